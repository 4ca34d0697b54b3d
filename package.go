// Package pkgcat models binary packages and the catalogs they're tracked in.
package pkgcat

import "io/fs"

// Package is the in-memory representation of one binary package, as
// described by its manifest.
//
// A Package is constructed empty, either by a manifest parse or by callers
// adding attributes incrementally through the Add methods. The zero value
// is ready to use.
type Package struct {
	Name       string
	Origin     string
	Version    string
	Arch       string
	OSVersion  string
	Maintainer string
	Prefix     string
	Comment    string
	Desc       string
	Message    string
	WWW        string
	// RepoPath is the path of the package archive relative to the
	// repository root.
	RepoPath string
	// Sum is the checksum of the package archive itself.
	Sum          string
	PkgSize      int64
	FlatSize     int64
	LicenseLogic LicenseLogic
	// Digest is the manifest fingerprint in the current checksum format;
	// OldDigest carries the fingerprint for legacy repositories.
	Digest    string
	OldDigest string
	// RepoName is the name of the repository this package was seen in.
	RepoName  string
	Automatic bool

	Categories         []string
	Licenses           []string
	Users              []User
	Groups             []Group
	Options            []Option
	OptionDefaults     map[string]string
	OptionDescriptions map[string]string
	Deps               []Dep
	Conflicts          []string
	Provides           []string
	ShlibsRequired     []string
	ShlibsProvided     []string
	Dirs               []Dir
	Files              []File
	Scripts            map[ScriptPhase]string
	Annotations        map[string]string
}

// File is one filesystem entry owned by a package.
//
// Sum is either empty or 64 lowercase hex characters.
type File struct {
	Path  string
	Sum   string
	Uname string
	Gname string
	Perm  fs.FileMode
}

// Dir is one directory owned by a package. Try marks directories the
// deinstaller removes only if empty.
type Dir struct {
	Path  string
	Uname string
	Gname string
	Perm  fs.FileMode
	Try   bool
}

// Dep names one package this package requires at run time.
type Dep struct {
	Name    string
	Origin  string
	Version string
}

// User is a system user the package expects, with an optional uidline.
type User struct {
	Name string
	UID  string
}

// Group is a system group the package expects, with an optional gidline.
type Group struct {
	Name string
	GID  string
}

// Option is one build option the package was built with.
type Option struct {
	Key   string
	Value string
}

// Reset empties every attribute so the Package can be reused, typically
// inside a catalog update loop.
func (p *Package) Reset() {
	*p = Package{}
}

// Dep returns the named dependency, or nil.
func (p *Package) Dep(name string) *Dep {
	for i := range p.Deps {
		if p.Deps[i].Name == name {
			return &p.Deps[i]
		}
	}
	return nil
}

// AddCategory records a category, once.
func (p *Package) AddCategory(name string) {
	p.Categories = appendUnique(p.Categories, name)
}

// AddLicense records a license, once.
func (p *Package) AddLicense(name string) {
	p.Licenses = appendUnique(p.Licenses, name)
}

// AddUser records a user by name.
func (p *Package) AddUser(name string) { p.AddUID(name, "") }

// AddUID records a user with its uidline, replacing any earlier entry for
// the same name.
func (p *Package) AddUID(name, uid string) {
	for i := range p.Users {
		if p.Users[i].Name == name {
			p.Users[i].UID = uid
			return
		}
	}
	p.Users = append(p.Users, User{Name: name, UID: uid})
}

// AddGroup records a group by name.
func (p *Package) AddGroup(name string) { p.AddGID(name, "") }

// AddGID records a group with its gidline, replacing any earlier entry for
// the same name.
func (p *Package) AddGID(name, gid string) {
	for i := range p.Groups {
		if p.Groups[i].Name == name {
			p.Groups[i].GID = gid
			return
		}
	}
	p.Groups = append(p.Groups, Group{Name: name, GID: gid})
}

// AddDep records a dependency. Later entries for the same name win.
func (p *Package) AddDep(name, origin, version string) {
	for i := range p.Deps {
		if p.Deps[i].Name == name {
			p.Deps[i].Origin, p.Deps[i].Version = origin, version
			return
		}
	}
	p.Deps = append(p.Deps, Dep{Name: name, Origin: origin, Version: version})
}

// AddFile records a file with just a checksum.
func (p *Package) AddFile(path, sum string) {
	p.AddFileAttr(path, sum, "", "", 0)
}

// AddFileAttr records a file with full attributes, replacing any earlier
// entry for the same path. Insertion order is preserved.
func (p *Package) AddFileAttr(path, sum, uname, gname string, perm fs.FileMode) {
	for i := range p.Files {
		if p.Files[i].Path == path {
			p.Files[i] = File{Path: path, Sum: sum, Uname: uname, Gname: gname, Perm: perm}
			return
		}
	}
	p.Files = append(p.Files, File{Path: path, Sum: sum, Uname: uname, Gname: gname, Perm: perm})
}

// AddDir records a directory with just the try flag.
func (p *Package) AddDir(path string, try bool) {
	p.AddDirAttr(path, "", "", 0, try)
}

// AddDirAttr records a directory with full attributes, replacing any
// earlier entry for the same path. Insertion order is preserved.
func (p *Package) AddDirAttr(path, uname, gname string, perm fs.FileMode, try bool) {
	for i := range p.Dirs {
		if p.Dirs[i].Path == path {
			p.Dirs[i] = Dir{Path: path, Uname: uname, Gname: gname, Perm: perm, Try: try}
			return
		}
	}
	p.Dirs = append(p.Dirs, Dir{Path: path, Uname: uname, Gname: gname, Perm: perm, Try: try})
}

// AddOption records an option value. Later entries for the same key win.
func (p *Package) AddOption(key, value string) {
	for i := range p.Options {
		if p.Options[i].Key == key {
			p.Options[i].Value = value
			return
		}
	}
	p.Options = append(p.Options, Option{Key: key, Value: value})
}

// AddOptionDefault records the default value of an option.
func (p *Package) AddOptionDefault(key, value string) {
	if p.OptionDefaults == nil {
		p.OptionDefaults = make(map[string]string)
	}
	p.OptionDefaults[key] = value
}

// AddOptionDescription records the description of an option.
func (p *Package) AddOptionDescription(key, value string) {
	if p.OptionDescriptions == nil {
		p.OptionDescriptions = make(map[string]string)
	}
	p.OptionDescriptions[key] = value
}

// AddScript attaches the script body for one phase.
func (p *Package) AddScript(phase ScriptPhase, body string) {
	if p.Scripts == nil {
		p.Scripts = make(map[ScriptPhase]string)
	}
	p.Scripts[phase] = body
}

// AddAnnotation records a free-form label/value pair.
func (p *Package) AddAnnotation(label, value string) {
	if p.Annotations == nil {
		p.Annotations = make(map[string]string)
	}
	p.Annotations[label] = value
}

// AddShlibRequired records a shared library this package links against.
func (p *Package) AddShlibRequired(name string) {
	p.ShlibsRequired = appendUnique(p.ShlibsRequired, name)
}

// AddShlibProvided records a shared library this package installs.
func (p *Package) AddShlibProvided(name string) {
	p.ShlibsProvided = appendUnique(p.ShlibsProvided, name)
}

// AddConflict records a conflicting package by unique id.
func (p *Package) AddConflict(uniqueid string) {
	p.Conflicts = appendUnique(p.Conflicts, uniqueid)
}

// AddProvide records a virtual name this package provides.
func (p *Package) AddProvide(name string) {
	p.Provides = appendUnique(p.Provides, name)
}

func appendUnique(s []string, v string) []string {
	for _, have := range s {
		if have == v {
			return s
		}
	}
	return append(s, v)
}
