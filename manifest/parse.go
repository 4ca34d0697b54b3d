package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/quay/zlog"

	"github.com/pkgcat/pkgcat"
	"github.com/pkgcat/pkgcat/pkg/setmode"
	"github.com/pkgcat/pkgcat/pkg/urlenc"
)

// Parse decodes the manifest in buf into p.
//
// The object notation is tried first. If the document does not parse, or a
// known key carries a kind the schema does not admit, the whole document is
// re-read through the document-markup bridge. A parse failure on the
// fallback is fatal.
func Parse(ctx context.Context, p *pkgcat.Package, buf []byte) error {
	ctx = zlog.ContextWithValues(ctx, "component", "manifest/Parse")

	doc, err := decodeDocument(buf)
	fallback := false
	if err != nil {
		zlog.Debug(ctx).Err(err).Msg("not object notation")
		fallback = true
	} else {
		fallback = needsFallback(&doc)
	}

	if fallback {
		zlog.Debug(ctx).Msg("falling back on document markup")
		doc, err = decodeMarkup(buf)
		if err != nil {
			return fmt.Errorf("manifest: %w: %w", pkgcat.ErrFatal, err)
		}
	}

	return dispatch(ctx, p, &doc)
}

// ParseFile is Parse reading from a file.
func ParseFile(ctx context.Context, p *pkgcat.Package, file string) error {
	buf, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return Parse(ctx, p, buf)
}

// needsFallback reports whether any known root key carries a kind outside
// its admissible set.
func needsFallback(doc *Value) bool {
	schema := keys()
	for i := range doc.Fields {
		f := &doc.Fields[i]
		byKind, ok := schema[f.Key]
		if !ok {
			continue
		}
		if _, ok := byKind[f.Value.Kind]; !ok {
			return true
		}
	}
	return false
}

// dispatch walks the root object and routes each known key to its parser.
// Unknown keys are skipped.
func dispatch(ctx context.Context, p *pkgcat.Package, doc *Value) error {
	schema := keys()
	for i := range doc.Fields {
		f := &doc.Fields[i]
		byKind, ok := schema[f.Key]
		if !ok {
			continue
		}
		dp, ok := byKind[f.Value.Kind]
		if !ok {
			continue
		}
		if err := dp.parse(ctx, p, &f.Value, dp.attr); err != nil {
			return err
		}
	}
	return nil
}

func parseString(_ context.Context, p *pkgcat.Package, v *Value, a attr) error {
	str := v.forceString()
	switch a {
	case attrLicenseLogic:
		logic, err := pkgcat.ParseLicenseLogic(str)
		if err != nil {
			return fmt.Errorf("manifest: %w: %w", pkgcat.ErrFatal, err)
		}
		p.LicenseLogic = logic
	case attrName:
		p.Name = str
	case attrOrigin:
		p.Origin = str
	case attrVersion:
		p.Version = str
	case attrArch:
		p.Arch = str
	case attrOSVersion:
		p.OSVersion = str
	case attrMaintainer:
		p.Maintainer = str
	case attrPrefix:
		p.Prefix = str
	case attrComment:
		p.Comment = str
	case attrDesc:
		p.Desc = urlenc.Decode(str)
	case attrMessage:
		p.Message = urlenc.Decode(str)
	case attrWWW:
		p.WWW = str
	case attrRepoPath:
		p.RepoPath = str
	case attrSum:
		p.Sum = str
	}
	return nil
}

func parseInt(_ context.Context, p *pkgcat.Package, v *Value, a attr) error {
	switch a {
	case attrFlatSize:
		p.FlatSize = v.Int
	case attrPkgSize:
		p.PkgSize = v.Int
	}
	return nil
}

func parseArray(ctx context.Context, p *pkgcat.Package, v *Value, a attr) error {
	for i := range v.Elems {
		cur := &v.Elems[i]
		switch a {
		case attrCategories:
			if cur.Kind != String {
				zlog.Warn(ctx).Msg("skipping malformed category")
				continue
			}
			p.AddCategory(cur.Str)
		case attrLicenses:
			if cur.Kind != String {
				zlog.Warn(ctx).Msg("skipping malformed license")
				continue
			}
			p.AddLicense(cur.Str)
		case attrUsers:
			switch cur.Kind {
			case String:
				p.AddUser(cur.Str)
			case Object:
				if err := parseObject(ctx, p, cur, a); err != nil {
					return err
				}
			default:
				zlog.Warn(ctx).Msg("skipping malformed user")
			}
		case attrGroups:
			switch cur.Kind {
			case String:
				p.AddGroup(cur.Str)
			case Object:
				if err := parseObject(ctx, p, cur, a); err != nil {
					return err
				}
			default:
				zlog.Warn(ctx).Msg("skipping malformed group")
			}
		case attrDirs:
			switch cur.Kind {
			case String:
				p.AddDir(cur.Str, true)
			case Object:
				if err := parseObject(ctx, p, cur, attrDirectories); err != nil {
					return err
				}
			default:
				zlog.Warn(ctx).Msg("skipping malformed dirs")
			}
		case attrShlibsRequired:
			if cur.Kind != String {
				zlog.Warn(ctx).Msg("skipping malformed required shared library")
				continue
			}
			p.AddShlibRequired(cur.Str)
		case attrShlibsProvided:
			if cur.Kind != String {
				zlog.Warn(ctx).Msg("skipping malformed provided shared library")
				continue
			}
			p.AddShlibProvided(cur.Str)
		case attrConflicts:
			if cur.Kind != String {
				zlog.Warn(ctx).Msg("skipping malformed conflict name")
				continue
			}
			p.AddConflict(cur.Str)
		case attrProvides:
			if cur.Kind != String {
				zlog.Warn(ctx).Msg("skipping malformed provide name")
				continue
			}
			p.AddProvide(cur.Str)
		}
	}
	return nil
}

func parseObject(ctx context.Context, p *pkgcat.Package, v *Value, a attr) error {
	for i := range v.Fields {
		key := v.Fields[i].Key
		cur := &v.Fields[i].Value
		switch a {
		case attrDeps:
			if cur.Kind != Object && cur.Kind != Array {
				zlog.Warn(ctx).Str("dep", key).Msg("skipping malformed dependency")
				continue
			}
			parseDep(ctx, p, key, cur)
		case attrDirectories:
			switch cur.Kind {
			case Bool:
				p.AddDir(urlenc.Decode(key), cur.Bool)
			case Object:
				parseDirEntry(ctx, p, key, cur)
			case String:
				p.AddDir(urlenc.Decode(key), strings.HasPrefix(cur.Str, "y"))
			default:
				zlog.Warn(ctx).Str("directory", key).Msg("skipping malformed directory")
			}
		case attrUsers:
			if cur.Kind != String {
				zlog.Warn(ctx).Str("user", key).Msg("skipping malformed user")
				continue
			}
			p.AddUID(key, cur.Str)
		case attrGroups:
			if cur.Kind != String {
				zlog.Warn(ctx).Str("group", key).Msg("skipping malformed group")
				continue
			}
			p.AddGID(key, cur.Str)
		case attrFiles:
			switch cur.Kind {
			case String:
				sum := ""
				if len(cur.Str) == 64 {
					sum = cur.Str
				}
				p.AddFile(urlenc.Decode(key), sum)
			case Object:
				parseFileEntry(ctx, p, key, cur)
			default:
				zlog.Warn(ctx).Str("file", key).Msg("skipping malformed file")
			}
		case attrOptions:
			if cur.Kind != String && cur.Kind != Bool {
				zlog.Warn(ctx).Str("option", key).Msg("skipping malformed option")
				continue
			}
			p.AddOption(key, cur.forceString())
		case attrOptionDefaults:
			if cur.Kind != String {
				zlog.Warn(ctx).Str("option", key).Msg("skipping malformed option default")
				continue
			}
			p.AddOptionDefault(key, cur.Str)
		case attrOptionDescriptions:
			if cur.Kind != String {
				zlog.Warn(ctx).Str("option", key).Msg("skipping malformed option description")
				continue
			}
			p.AddOptionDescription(key, cur.Str)
		case attrScripts:
			if cur.Kind != String {
				zlog.Warn(ctx).Str("script", key).Msg("skipping malformed script")
				continue
			}
			phase, ok := pkgcat.ParseScriptPhase(key)
			if !ok {
				zlog.Warn(ctx).Str("script", key).Msg("skipping unknown script type")
				continue
			}
			p.AddScript(phase, urlenc.Decode(cur.Str))
		case attrAnnotations:
			if cur.Kind != String {
				zlog.Warn(ctx).Str("annotation", key).Msg("skipping malformed annotation")
				continue
			}
			p.AddAnnotation(key, cur.Str)
		}
	}
	return nil
}

// parseDep reads one dependency entry: the value is an object with origin
// and version, or an array of such objects. An integer version is
// tolerated.
func parseDep(ctx context.Context, p *pkgcat.Package, name string, v *Value) {
	entries := []*Value{v}
	if v.Kind == Array {
		entries = entries[:0]
		for i := range v.Elems {
			entries = append(entries, &v.Elems[i])
		}
	}
	for _, self := range entries {
		var origin, version string
		for i := range self.Fields {
			key := self.Fields[i].Key
			cur := &self.Fields[i].Value
			if cur.Kind != String {
				if cur.Kind == Int && strings.EqualFold(key, "version") {
					version = cur.forceString()
					continue
				}
				zlog.Warn(ctx).Str("dep", name).Msg("skipping malformed dependency entry")
				continue
			}
			if strings.EqualFold(key, "origin") {
				origin = cur.Str
			}
			if strings.EqualFold(key, "version") {
				version = cur.Str
			}
		}
		if origin != "" && version != "" {
			p.AddDep(name, origin, version)
		} else {
			zlog.Warn(ctx).Str("dep", name).Msg("skipping malformed dependency")
		}
	}
}

func parseFileEntry(ctx context.Context, p *pkgcat.Package, key string, v *Value) {
	path := urlenc.Decode(key)
	var sum, uname, gname string
	var perm fs.FileMode
	for i := range v.Fields {
		k := v.Fields[i].Key
		cur := &v.Fields[i].Value
		switch {
		case strings.EqualFold(k, "uname") && cur.Kind == String:
			uname = cur.Str
		case strings.EqualFold(k, "gname") && cur.Kind == String:
			gname = cur.Str
		case strings.EqualFold(k, "sum") && cur.Kind == String && len(cur.Str) == 64:
			sum = cur.Str
		case strings.EqualFold(k, "perm") && (cur.Kind == String || cur.Kind == Int):
			m, err := setmode.Parse(cur.forceString())
			if err != nil {
				zlog.Warn(ctx).Str("perm", cur.forceString()).Msg("not a valid mode")
				continue
			}
			perm = m
		default:
			zlog.Warn(ctx).
				Str("file", path).
				Str("key", k).
				Msg("skipping unknown key for file")
		}
	}
	p.AddFileAttr(path, sum, uname, gname, perm)
}

func parseDirEntry(ctx context.Context, p *pkgcat.Package, key string, v *Value) {
	path := urlenc.Decode(key)
	var uname, gname string
	var perm fs.FileMode
	try := false
	for i := range v.Fields {
		k := v.Fields[i].Key
		cur := &v.Fields[i].Value
		switch {
		case strings.EqualFold(k, "uname") && cur.Kind == String:
			uname = cur.Str
		case strings.EqualFold(k, "gname") && cur.Kind == String:
			gname = cur.Str
		case strings.EqualFold(k, "perm") && (cur.Kind == String || cur.Kind == Int):
			m, err := setmode.Parse(cur.forceString())
			if err != nil {
				zlog.Warn(ctx).Str("perm", cur.forceString()).Msg("not a valid mode")
				continue
			}
			perm = m
		case strings.EqualFold(k, "try") && cur.Kind == Bool:
			try = cur.Bool
		default:
			zlog.Warn(ctx).
				Str("directory", path).
				Str("key", k).
				Msg("skipping unknown key for dir")
		}
	}
	p.AddDirAttr(path, uname, gname, perm, try)
}
