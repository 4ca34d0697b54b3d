package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/zlog"

	"github.com/pkgcat/pkgcat"
)

func testStore(t *testing.T) (context.Context, *Store) {
	t.Helper()
	ctx := zlog.Test(context.Background(), t)
	s, reuse, err := Open(ctx, filepath.Join(t.TempDir(), "catalog.sqlite"), false)
	if err != nil {
		t.Fatal(err)
	}
	if reuse {
		t.Fatal("fresh database reported reusable")
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}
	return ctx, s
}

func testPackage(origin string) *pkgcat.Package {
	name := filepath.Base(origin)
	p := &pkgcat.Package{
		Name:    name,
		Origin:  origin,
		Version: "1.0",
		Arch:    "x86:64",
		Digest:  "d-" + name,
	}
	p.AddDep("libbar", "devel/libbar", "2.1")
	p.AddFile("/usr/local/bin/"+name, "")
	p.AddCategory("misc")
	p.AddScript(pkgcat.ScriptPostInstall, "echo done")
	return p
}

func origins(ctx context.Context, t *testing.T, s *Store) []OriginDigest {
	t.Helper()
	var out []OriginDigest
	for od, err := range s.Origins(ctx) {
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, od)
	}
	return out
}

func TestOpenReuse(t *testing.T) {
	ctx := zlog.Test(context.Background(), t)
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	s, reuse, err := Open(ctx, path, false)
	if err != nil {
		t.Fatal(err)
	}
	if reuse {
		t.Error("fresh database reported reusable")
	}
	if err := s.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, reuse, err = Open(ctx, path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if !reuse {
		t.Error("initialized database not reported reusable")
	}
}

func TestAddRemove(t *testing.T) {
	ctx, s := testStore(t)
	p := testPackage("misc/foo")
	if err := s.AddPackage(ctx, p, true); err != nil {
		t.Fatal(err)
	}
	got := origins(ctx, t, s)
	want := []OriginDigest{{Origin: "misc/foo", Digest: "d-foo"}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Error(diff)
	}

	ok, err := s.HasPackage(ctx, "misc/foo")
	if err != nil || !ok {
		t.Errorf("HasPackage: %v %v", ok, err)
	}

	if err := s.RemovePackage(ctx, "misc/foo"); err != nil {
		t.Fatal(err)
	}
	if got := origins(ctx, t, s); len(got) != 0 {
		t.Errorf("origins after remove: %+v", got)
	}
	// Removing again is not an error.
	if err := s.RemovePackage(ctx, "misc/foo"); err != nil {
		t.Error(err)
	}
}

func TestAddForcedReplaces(t *testing.T) {
	ctx, s := testStore(t)
	p := testPackage("misc/foo")
	if err := s.AddPackage(ctx, p, true); err != nil {
		t.Fatal(err)
	}
	p.Digest = "d-new"
	if err := s.AddPackage(ctx, p, true); err != nil {
		t.Fatal(err)
	}
	got := origins(ctx, t, s)
	want := []OriginDigest{{Origin: "misc/foo", Digest: "d-new"}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Error(diff)
	}
}

func TestAddDuplicateUnforced(t *testing.T) {
	ctx, s := testStore(t)
	p := testPackage("misc/foo")
	if err := s.AddPackage(ctx, p, false); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPackage(ctx, p, false); err == nil {
		t.Error("duplicate origin accepted")
	}
}

func TestSavepointsNest(t *testing.T) {
	ctx, s := testStore(t)
	if err := s.Begin(ctx, "outer"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPackage(ctx, testPackage("misc/a"), true); err != nil {
		t.Fatal(err)
	}
	if err := s.Begin(ctx, "inner"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPackage(ctx, testPackage("misc/b"), true); err != nil {
		t.Fatal(err)
	}
	if err := s.Rollback(ctx, "inner"); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(ctx, "outer"); err != nil {
		t.Fatal(err)
	}
	got := origins(ctx, t, s)
	if len(got) != 1 || got[0].Origin != "misc/a" {
		t.Errorf("origins: %+v", got)
	}
}

func TestSavepointBadName(t *testing.T) {
	ctx, s := testStore(t)
	if err := s.Begin(ctx, "no; drop tables"); err == nil {
		t.Error("hostile savepoint name accepted")
	}
}

func TestRegisterFinale(t *testing.T) {
	ctx, s := testStore(t)
	p := testPackage("misc/foo")

	if err := s.RegisterPackage(ctx, p); err != nil {
		t.Fatal(err)
	}
	if !s.InFlight() {
		t.Fatal("registration not in flight")
	}
	if err := s.RegisterFinale(ctx, pkgcat.ErrIO); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasPackage(ctx, "misc/foo"); ok {
		t.Error("failed install left a row behind")
	}

	if err := s.RegisterPackage(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterFinale(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.HasPackage(ctx, "misc/foo"); !ok {
		t.Error("successful install did not commit")
	}

	// A duplicate registration stays out of flight.
	if err := s.RegisterPackage(ctx, p); err != nil {
		t.Fatal(err)
	}
	if s.InFlight() {
		t.Error("duplicate registration went in flight")
	}
}

func TestUpdateMarker(t *testing.T) {
	ctx, s := testStore(t)
	if s.UpdateWasInterrupted(ctx) {
		t.Error("fresh catalog reported an interrupted update")
	}
	if err := s.MarkUpdateInFlight(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.UpdateWasInterrupted(ctx) {
		t.Error("marker not detected")
	}
	if err := s.ClearUpdateMarker(ctx); err != nil {
		t.Fatal(err)
	}
	if s.UpdateWasInterrupted(ctx) {
		t.Error("marker survived clear")
	}
}

func TestRegisterConflicts(t *testing.T) {
	ctx, s := testStore(t)
	if err := s.AddPackage(ctx, testPackage("misc/foo"), true); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterConflicts(ctx, "misc/foo", []string{"foo-lite-1.0", "foo-nox-1.0"}); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearConflicts(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestRepoURL(t *testing.T) {
	ctx, s := testStore(t)
	if err := s.RegisterRepoURL(ctx, "https://pkg.example.com/latest"); err != nil {
		t.Fatal(err)
	}
	ok, err := s.SiteMatches(ctx, "https://pkg.example.com/latest")
	if err != nil || !ok {
		t.Errorf("SiteMatches: %v %v", ok, err)
	}
	ok, err = s.SiteMatches(ctx, "https://pkg.example.com/other")
	if err != nil || ok {
		t.Errorf("SiteMatches mismatch: %v %v", ok, err)
	}
	// Upsert replaces.
	if err := s.RegisterRepoURL(ctx, "https://pkg.example.com/other"); err != nil {
		t.Fatal(err)
	}
	ok, err = s.SiteMatches(ctx, "https://pkg.example.com/other")
	if err != nil || !ok {
		t.Errorf("SiteMatches after upsert: %v %v", ok, err)
	}
}
