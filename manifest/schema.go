package manifest

import (
	"context"
	"sync"

	"github.com/pkgcat/pkgcat"
)

// attr names the semantic attribute a manifest key feeds.
type attr int

const (
	attrUnknown attr = iota
	attrName
	attrOrigin
	attrVersion
	attrArch
	attrMaintainer
	attrPrefix
	attrComment
	attrDesc
	attrMessage
	attrWWW
	attrOSVersion
	attrRepoPath
	attrSum
	attrFlatSize
	attrPkgSize
	attrLicenseLogic

	attrAnnotations
	attrCategories
	attrConflicts
	attrDeps
	attrDirectories
	attrDirs
	attrFiles
	attrGroups
	attrLicenses
	attrOptions
	attrOptionDefaults
	attrOptionDescriptions
	attrProvides
	attrScripts
	attrShlibsRequired
	attrShlibsProvided
	attrUsers
)

type parseFn func(ctx context.Context, p *pkgcat.Package, v *Value, a attr) error

// manifestKeys is the static schema table. Keys deliberately repeat with
// different admissible kinds; keep sorted.
var manifestKeys = []struct {
	key   string
	attr  attr
	kind  Kind
	parse parseFn
}{
	{"annotations", attrAnnotations, Object, parseObject},
	{"arch", attrArch, String, parseString},
	{"categories", attrCategories, Array, parseArray},
	{"comment", attrComment, String, parseString},
	{"conflicts", attrConflicts, Array, parseArray},
	{"deps", attrDeps, Object, parseObject},
	{"desc", attrDesc, String, parseString},
	{"directories", attrDirectories, Object, parseObject},
	{"dirs", attrDirs, Array, parseArray},
	{"files", attrFiles, Object, parseObject},
	{"flatsize", attrFlatSize, Int, parseInt},
	{"groups", attrGroups, Object, parseObject},
	{"groups", attrGroups, Array, parseArray},
	{"licenselogic", attrLicenseLogic, String, parseString},
	{"licenses", attrLicenses, Array, parseArray},
	{"maintainer", attrMaintainer, String, parseString},
	{"message", attrMessage, String, parseString},
	{"name", attrName, String, parseString},
	{"name", attrName, Int, parseString},
	{"option_defaults", attrOptionDefaults, Object, parseObject},
	{"option_descriptions", attrOptionDescriptions, Object, parseObject},
	{"options", attrOptions, Object, parseObject},
	{"origin", attrOrigin, String, parseString},
	{"osversion", attrOSVersion, String, parseString},
	{"path", attrRepoPath, String, parseString},
	{"pkgsize", attrPkgSize, Int, parseInt},
	{"prefix", attrPrefix, String, parseString},
	{"provides", attrProvides, Array, parseArray},
	{"scripts", attrScripts, Object, parseObject},
	{"shlibs", attrShlibsRequired, Array, parseArray}, // Backwards compat with 1.0.x packages
	{"shlibs_provided", attrShlibsProvided, Array, parseArray},
	{"shlibs_required", attrShlibsRequired, Array, parseArray},
	{"sum", attrSum, String, parseString},
	{"users", attrUsers, Object, parseObject},
	{"users", attrUsers, Array, parseArray},
	{"version", attrVersion, String, parseString},
	{"version", attrVersion, Int, parseString},
	{"www", attrWWW, String, parseString},
}

type dataParser struct {
	attr  attr
	parse parseFn
}

var (
	schemaOnce sync.Once
	schema     map[string]map[Kind]dataParser
)

// keys materializes the static table into the two-level key → kind lookup.
// The table is immutable after first use and shared by every parse.
func keys() map[string]map[Kind]dataParser {
	schemaOnce.Do(func() {
		schema = make(map[string]map[Kind]dataParser, len(manifestKeys))
		for _, mk := range manifestKeys {
			byKind := schema[mk.key]
			if byKind == nil {
				byKind = make(map[Kind]dataParser, 2)
				schema[mk.key] = byKind
			}
			if _, ok := byKind[mk.kind]; ok {
				continue
			}
			byKind[mk.kind] = dataParser{attr: mk.attr, parse: mk.parse}
		}
	})
	return schema
}
