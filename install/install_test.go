package install

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/quay/zlog"

	"github.com/pkgcat/pkgcat"
	"github.com/pkgcat/pkgcat/catalog"
	"github.com/pkgcat/pkgcat/event"
)

type entry struct {
	name string
	body string
}

func writeArchive(t *testing.T, path string, compress bool, entries []entry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var tw *tar.Writer
	if compress {
		gz := gzip.NewWriter(f)
		defer gz.Close()
		tw = tar.NewWriter(gz)
	} else {
		tw = tar.NewWriter(f)
	}
	defer tw.Close()
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0o644,
			Size:     int64(len(e.body)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatal(err)
		}
	}
}

type recordSink struct {
	event.Discard
	begins, finishes, already, missing int
}

func (r *recordSink) InstallBegin(context.Context, *pkgcat.Package)    { r.begins++ }
func (r *recordSink) InstallFinished(context.Context, *pkgcat.Package) { r.finishes++ }
func (r *recordSink) AlreadyInstalled(context.Context, *pkgcat.Package) {
	r.already++
}
func (r *recordSink) MissingDep(context.Context, *pkgcat.Package, *pkgcat.Dep) {
	r.missing++
}

func testInstaller(t *testing.T) (context.Context, *Installer, *recordSink, string) {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	dir := t.TempDir()
	s, _, err := catalog.Open(ctx, filepath.Join(dir, "local.sqlite"), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}
	rec := &recordSink{}
	root := filepath.Join(dir, "root")
	i := &Installer{
		Store:     s,
		Events:    rec,
		Root:      root,
		Machine:   "x86:64",
		OSVersion: "9.9-RELEASE",
	}
	return ctx, i, rec, dir
}

const fooManifest = `{"name":"foo","origin":"misc/foo","version":"1.0","arch":"x86:64","prefix":"/usr/local"}`

func TestInstall(t *testing.T) {
	ctx, i, rec, dir := testInstaller(t)
	ar := filepath.Join(dir, "foo-1.0.pkg")
	writeArchive(t, ar, true, []entry{
		{"+MANIFEST", fooManifest},
		{"/usr/local/bin/foo", "#!/bin/sh\necho foo\n"},
		{"/usr/local/etc/foo.cfg.pkgconf", "knob=1\n"},
	})

	if err := i.Install(ctx, ar); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"/usr/local/bin/foo",
		"/usr/local/etc/foo.cfg.pkgconf",
		"/usr/local/etc/foo.cfg",
	} {
		if _, err := os.Stat(filepath.Join(i.Root, want)); err != nil {
			t.Errorf("%s: %v", want, err)
		}
	}
	ok, err := i.Store.HasPackage(ctx, "misc/foo")
	if err != nil || !ok {
		t.Errorf("catalog row: %v %v", ok, err)
	}
	if rec.begins != 1 || rec.finishes != 1 {
		t.Errorf("events: begins %d finishes %d", rec.begins, rec.finishes)
	}
}

// An existing configuration file is not overwritten by its template.
func TestInstallKeepsExistingConf(t *testing.T) {
	ctx, i, _, dir := testInstaller(t)
	target := filepath.Join(i.Root, "/usr/local/etc/foo.cfg")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("local edits\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ar := filepath.Join(dir, "foo-1.0.pkg")
	writeArchive(t, ar, false, []entry{
		{"+MANIFEST", fooManifest},
		{"/usr/local/etc/foo.cfg.pkgconf", "knob=1\n"},
	})
	if err := i.Install(ctx, ar); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "local edits\n" {
		t.Errorf("conf file clobbered: %q", got)
	}
}

func TestInstallMissingDep(t *testing.T) {
	ctx, i, rec, dir := testInstaller(t)
	const m = `{"name":"bar","origin":"misc/bar","version":"1.0","arch":"x86:64",
		"deps":{"baz":{"origin":"misc/baz","version":"0.1"}}}`
	ar := filepath.Join(dir, "bar-1.0.pkg")
	writeArchive(t, ar, false, []entry{
		{"+MANIFEST", m},
		{"/usr/local/bin/bar", "bar"},
	})

	err := i.Install(ctx, ar)
	if !errors.Is(err, pkgcat.ErrMissingDep) {
		t.Fatalf("got %v, want missing dependency", err)
	}
	if rec.missing != 1 {
		t.Errorf("missing dep events: %d", rec.missing)
	}
	if ok, _ := i.Store.HasPackage(ctx, "misc/bar"); ok {
		t.Error("catalog mutated")
	}
	if _, err := os.Stat(filepath.Join(i.Root, "/usr/local/bin/bar")); err == nil {
		t.Error("payload extracted")
	}
}

func TestInstallDepFromSibling(t *testing.T) {
	ctx, i, _, dir := testInstaller(t)
	const barManifest = `{"name":"bar","origin":"misc/bar","version":"1.0","arch":"x86:64",
		"deps":{"baz":{"origin":"misc/baz","version":"0.1"}}}`
	const bazManifest = `{"name":"baz","origin":"misc/baz","version":"0.1","arch":"x86:64"}`
	writeArchive(t, filepath.Join(dir, "baz-0.1.pkg"), false, []entry{
		{"+MANIFEST", bazManifest},
		{"/usr/local/lib/libbaz.so", "baz"},
	})
	writeArchive(t, filepath.Join(dir, "bar-1.0.pkg"), false, []entry{
		{"+MANIFEST", barManifest},
		{"/usr/local/bin/bar", "bar"},
	})

	if err := i.Install(ctx, filepath.Join(dir, "bar-1.0.pkg")); err != nil {
		t.Fatal(err)
	}
	for _, origin := range []string{"misc/bar", "misc/baz"} {
		if ok, _ := i.Store.HasPackage(ctx, origin); !ok {
			t.Errorf("%s not installed", origin)
		}
	}
	if _, err := os.Stat(filepath.Join(i.Root, "/usr/local/lib/libbaz.so")); err != nil {
		t.Errorf("dependency payload: %v", err)
	}
}

// Architecture and osversion mismatches are declined before any
// filesystem or catalog mutation.
func TestInstallArchMismatch(t *testing.T) {
	ctx, i, _, dir := testInstaller(t)
	const m = `{"name":"foo","origin":"misc/foo","version":"1.0","arch":"sparc:64"}`
	ar := filepath.Join(dir, "foo-1.0.pkg")
	writeArchive(t, ar, false, []entry{
		{"+MANIFEST", m},
		{"/usr/local/bin/foo", "foo"},
	})

	err := i.Install(ctx, ar)
	if !errors.Is(err, pkgcat.ErrConfig) {
		t.Fatalf("got %v, want configuration error", err)
	}
	if ok, _ := i.Store.HasPackage(ctx, "misc/foo"); ok {
		t.Error("catalog mutated")
	}
	if _, err := os.Stat(filepath.Join(i.Root, "/usr/local/bin/foo")); err == nil {
		t.Error("payload extracted")
	}
}

func TestInstallOSVersionMismatch(t *testing.T) {
	ctx, i, _, dir := testInstaller(t)
	const m = `{"name":"foo","origin":"misc/foo","version":"1.0","arch":"x86:64","osversion":"8.1-RELEASE"}`
	ar := filepath.Join(dir, "foo-1.0.pkg")
	writeArchive(t, ar, false, []entry{
		{"+MANIFEST", m},
		{"/usr/local/bin/foo", "foo"},
	})
	if err := i.Install(ctx, ar); !errors.Is(err, pkgcat.ErrConfig) {
		t.Fatalf("got %v, want configuration error", err)
	}
}

// An archive with only metadata entries registers without extracting.
func TestInstallMetadataOnly(t *testing.T) {
	ctx, i, rec, dir := testInstaller(t)
	ar := filepath.Join(dir, "foo-1.0.pkg")
	writeArchive(t, ar, false, []entry{
		{"+MANIFEST", fooManifest},
		{"+DESC", "a demo package"},
	})
	if err := i.Install(ctx, ar); err != nil {
		t.Fatal(err)
	}
	if ok, _ := i.Store.HasPackage(ctx, "misc/foo"); !ok {
		t.Error("catalog row missing")
	}
	if rec.finishes != 1 {
		t.Errorf("finish events: %d", rec.finishes)
	}
}

func TestInstallAlreadyInstalled(t *testing.T) {
	ctx, i, rec, dir := testInstaller(t)
	ar := filepath.Join(dir, "foo-1.0.pkg")
	writeArchive(t, ar, false, []entry{
		{"+MANIFEST", fooManifest},
		{"/usr/local/bin/foo", "foo"},
	})
	if err := i.Install(ctx, ar); err != nil {
		t.Fatal(err)
	}
	if err := i.Install(ctx, ar); err != nil {
		t.Fatal(err)
	}
	if rec.already != 1 {
		t.Errorf("already-installed events: %d", rec.already)
	}
	if rec.finishes != 1 {
		t.Errorf("finish events: %d", rec.finishes)
	}
}

// The compact manifest serves when the full one is absent.
func TestInstallCompactManifestOnly(t *testing.T) {
	ctx, i, _, dir := testInstaller(t)
	ar := filepath.Join(dir, "foo-1.0.pkg")
	writeArchive(t, ar, false, []entry{
		{"+COMPACT_MANIFEST", fooManifest},
		{"/usr/local/bin/foo", "foo"},
	})
	if err := i.Install(ctx, ar); err != nil {
		t.Fatal(err)
	}
	if ok, _ := i.Store.HasPackage(ctx, "misc/foo"); !ok {
		t.Error("catalog row missing")
	}
}

func TestInstallNoManifest(t *testing.T) {
	ctx, i, _, dir := testInstaller(t)
	ar := filepath.Join(dir, "foo-1.0.pkg")
	writeArchive(t, ar, false, []entry{
		{"/usr/local/bin/foo", "foo"},
	})
	if err := i.Install(ctx, ar); !errors.Is(err, pkgcat.ErrFatal) {
		t.Fatalf("got %v, want fatal", err)
	}
}
