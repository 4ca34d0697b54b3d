package pkgcat

import "errors"

// Result sentinels for the pkgcat error domain.
//
// Components return errors wrapping one of these; callers classify with
// [errors.Is] and should not care about the concrete text. ErrUpToDate and
// ErrEnd are flow signals, not failures.
var (
	// ErrFatal is the generic unrecoverable failure.
	ErrFatal = errors.New("fatal")
	// ErrUpToDate reports that a catalog update found no remote change.
	ErrUpToDate = errors.New("up to date")
	// ErrEnd reports end-of-stream; an archive with only metadata entries
	// opens with ErrEnd.
	ErrEnd = errors.New("end of stream")
	// ErrIO reports a local or remote I/O failure.
	ErrIO = errors.New("i/o error")
	// ErrOS reports a failed interaction with the operating system.
	ErrOS = errors.New("os error")
	// ErrConfig reports a host/package mismatch (architecture, osversion,
	// repository configuration).
	ErrConfig = errors.New("configuration error")
	// ErrMissingDep reports a dependency absent from both the catalog and
	// the package's directory.
	ErrMissingDep = errors.New("missing dependency")
)

// Valid reports whether the package carries the minimum attributes the
// catalog requires: name, origin, version and arch, plus origin and version
// on every dependency.
func (p *Package) Valid() error {
	switch {
	case p.Name == "":
		return errors.New("package has no name")
	case p.Origin == "":
		return errors.New("package has no origin")
	case p.Version == "":
		return errors.New("package has no version")
	case p.Arch == "":
		return errors.New("package has no arch")
	}
	for i := range p.Deps {
		d := &p.Deps[i]
		if d.Origin == "" {
			return errors.New("dependency " + d.Name + " has no origin")
		}
		if d.Version == "" {
			return errors.New("dependency " + d.Name + " has no version")
		}
	}
	return nil
}
