// Package install puts package archives onto the local filesystem and
// registers them in the catalog.
package install

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/quay/zlog"
	"golang.org/x/sys/unix"

	"github.com/pkgcat/pkgcat"
	"github.com/pkgcat/pkgcat/catalog"
	"github.com/pkgcat/pkgcat/event"
)

// confSuffix marks installation-time configuration templates. A template
// is extracted under its literal name and, only if the stripped target
// does not yet exist, re-extracted under the stripped name.
const confSuffix = ".pkgconf"

// ScriptRunner executes one of a package's scripts. The interpreter is an
// external collaborator.
type ScriptRunner interface {
	Run(ctx context.Context, p *pkgcat.Package, phase pkgcat.ScriptPhase) error
}

// NopRunner ignores every script.
type NopRunner struct{}

func (NopRunner) Run(context.Context, *pkgcat.Package, pkgcat.ScriptPhase) error { return nil }

// Installer installs package archives against one catalog.
//
// Machine and OSVersion identify the host; left empty they are derived
// from uname. Root prefixes every extracted path and exists for tests;
// production installs leave it empty.
type Installer struct {
	Store   *catalog.Store
	Scripts ScriptRunner
	Events  event.Sink
	Root    string

	Machine   string
	OSVersion string
	// SysVersion is the numeric system version appended to a release
	// token that does not carry "RELEASE".
	SysVersion string
}

// Install installs the archive at path, pulling in uninstalled
// dependencies from sibling archives.
func (i *Installer) Install(ctx context.Context, path string) error {
	return i.install(ctx, path, false, false)
}

// Upgrade installs the archive at path as the upgrade flavor: no
// install-begin event, the pre-install phase is skipped, and the
// post-upgrade script runs instead of post-install.
func (i *Installer) Upgrade(ctx context.Context, path string) error {
	return i.install(ctx, path, true, false)
}

func (i *Installer) install(ctx context.Context, path string, upgrade, automatic bool) (err error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "install/Installer.install",
		"archive", path)
	events := i.Events
	if events == nil {
		events = event.LogSink{}
	}
	scripts := i.Scripts
	if scripts == nil {
		scripts = NopRunner{}
	}

	// Open the archive, read the metadata entries and park the stream at
	// the first payload entry. No payload means a metadata-only package:
	// skip extraction but continue.
	extract := true
	a, pkg, err := openArchive(ctx, path)
	switch {
	case err == nil:
	case errors.Is(err, pkgcat.ErrEnd):
		extract = false
		err = nil
	default:
		events.Error(ctx, err, "opening archive")
		return err
	}
	defer a.Close()

	if automatic {
		pkg.Automatic = true
	}

	machine, osversion, err := i.hostIdentity()
	if err != nil {
		events.Error(ctx, err, "uname")
		return fmt.Errorf("install: %w: %w", pkgcat.ErrOS, err)
	}
	if pkg.Arch != machine {
		err := fmt.Errorf("install: %w: wrong architecture: %s instead of %s", pkgcat.ErrConfig, pkg.Arch, machine)
		events.Error(ctx, err, "architecture check")
		return err
	}
	if pkg.OSVersion != "" && pkg.OSVersion != osversion {
		err := fmt.Errorf("install: %w: wrong osversion: %s instead of %s", pkgcat.ErrConfig, pkg.OSVersion, osversion)
		events.Error(ctx, err, "osversion check")
		return err
	}

	present, err := i.Store.HasPackage(ctx, pkg.Origin)
	if err != nil {
		return err
	}
	if present {
		events.AlreadyInstalled(ctx, pkg)
		return nil
	}

	if err := i.installDeps(ctx, pkg, path, events); err != nil {
		return err
	}

	// Register ahead of extraction so problems are caught before any file
	// hits the disk. A registration that doesn't go in-flight means a
	// concurrent or duplicate registration; stop without extracting.
	if err := i.Store.RegisterPackage(ctx, pkg); err != nil {
		return err
	}
	if !i.Store.InFlight() {
		zlog.Debug(ctx).Str("origin", pkg.Origin).Msg("registration not in flight, skipping")
		return nil
	}
	defer func() {
		if ferr := i.Store.RegisterFinale(ctx, err); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if !upgrade {
		events.InstallBegin(ctx, pkg)
		if err := scripts.Run(ctx, pkg, pkgcat.ScriptPreInstall); err != nil {
			zlog.Warn(ctx).Err(err).Msg("pre-install script")
		}
	}

	if extract {
		if err = i.doExtract(ctx, a); err != nil {
			events.Error(ctx, err, "extracting")
			return err
		}
	}

	phase := pkgcat.ScriptPostInstall
	if upgrade {
		phase = pkgcat.ScriptPostUpgrade
	}
	if err := scripts.Run(ctx, pkg, phase); err != nil {
		zlog.Warn(ctx).Err(err).Msg("post script")
	}

	if upgrade {
		events.UpgradeFinished(ctx, pkg)
	} else {
		events.InstallFinished(ctx, pkg)
	}
	return nil
}

// installDeps recursively installs missing dependencies from sibling
// archives named {name}-{version}{ext} next to the parent archive.
func (i *Installer) installDeps(ctx context.Context, pkg *pkgcat.Package, path string, events event.Sink) error {
	basedir := filepath.Dir(path)
	ext := filepath.Ext(path)
	if ext == "" {
		return fmt.Errorf("install: %w: %s has no extension", pkgcat.ErrOS, path)
	}
	for di := range pkg.Deps {
		dep := &pkg.Deps[di]
		present, err := i.Store.HasPackage(ctx, dep.Origin)
		if err != nil {
			return err
		}
		if present {
			continue
		}
		dpath := filepath.Join(basedir, dep.Name+"-"+dep.Version+ext)
		if _, err := os.Stat(dpath); err != nil {
			events.MissingDep(ctx, pkg, dep)
			return fmt.Errorf("install: %w: %s needs %s-%s", pkgcat.ErrMissingDep, pkg.Name, dep.Name, dep.Version)
		}
		if err := i.install(ctx, dpath, false, true); err != nil {
			return fmt.Errorf("install: %w: dependency %s: %w", pkgcat.ErrOS, dep.Name, err)
		}
	}
	return nil
}

// doExtract writes the parked payload entry and everything after it,
// applying conf-file protection. On failure it removes what it wrote.
func (i *Installer) doExtract(ctx context.Context, a *archive) error {
	var files []string
	var dirs []string
	var err error
	for hdr := a.hdr; hdr != nil; hdr, err = a.next(ctx) {
		var wrote []string
		wrote, err = i.extractEntry(hdr, a.tr)
		for _, w := range wrote {
			if hdr.Typeflag == tar.TypeDir {
				dirs = append(dirs, w)
			} else {
				files = append(files, w)
			}
		}
		if err != nil {
			break
		}
	}
	if err == nil {
		return nil
	}
	// Compensating deletes; scripts that already ran cannot be undone.
	for fi := len(files) - 1; fi >= 0; fi-- {
		if rmErr := os.Remove(files[fi]); rmErr != nil {
			zlog.Warn(ctx).Err(rmErr).Msg("rollback")
		}
	}
	for di := len(dirs) - 1; di >= 0; di-- {
		// Non-empty directories stay; they may predate the install.
		if rmErr := os.Remove(dirs[di]); rmErr != nil {
			zlog.Debug(ctx).Err(rmErr).Msg("rollback")
		}
	}
	return err
}

// extractEntry writes one entry under the install root and returns every
// path it created. A ".pkgconf" template is also written under its
// stripped name when that target does not already exist.
func (i *Installer) extractEntry(hdr *tar.Header, r io.Reader) ([]string, error) {
	name := strings.TrimPrefix(hdr.Name, ".")
	dst := filepath.Join(i.Root, name)
	mode := fs.FileMode(hdr.Mode & 0o7777)

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(dst, mode); err != nil {
			return nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
		}
		return []string{dst}, nil
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
		}
		if err := os.Symlink(hdr.Linkname, dst); err != nil {
			return nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
		}
		return []string{dst}, nil
	case tar.TypeReg:
	default:
		return nil, nil
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
	}
	wrote := []string{dst}
	if err := os.WriteFile(dst, body, mode); err != nil {
		return wrote, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
	}

	if strings.HasSuffix(dst, confSuffix) {
		target := strings.TrimSuffix(dst, confSuffix)
		_, err := os.Lstat(target)
		if errors.Is(err, fs.ErrNotExist) {
			wrote = append(wrote, target)
			if err := os.WriteFile(target, body, mode); err != nil {
				return wrote, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
			}
		}
	}
	return wrote, nil
}

// hostIdentity resolves the machine and osversion tokens packages are
// checked against.
func (i *Installer) hostIdentity() (machine, osversion string, err error) {
	machine, osversion = i.Machine, i.OSVersion
	if machine != "" && osversion != "" {
		return machine, osversion, nil
	}
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "", "", err
	}
	if machine == "" {
		machine = unix.ByteSliceToString(u.Machine[:])
	}
	if osversion == "" {
		release := unix.ByteSliceToString(u.Release[:])
		osversion = release
		if !strings.Contains(release, "RELEASE") && i.SysVersion != "" {
			osversion = release + "-" + i.SysVersion
		}
	}
	return machine, osversion, nil
}
