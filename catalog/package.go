package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pkgcat/pkgcat"
)

var (
	addCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgcat",
		Subsystem: "catalog",
		Name:      "packages_added_total",
		Help:      "Total count of package rows written to catalogs.",
	})
	removeCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgcat",
		Subsystem: "catalog",
		Name:      "packages_removed_total",
		Help:      "Total count of package rows removed from catalogs.",
	})
)

// OriginDigest is one row of the origins iterator.
type OriginDigest struct {
	Origin    string
	Digest    string
	OldDigest string
}

// Origins iterates every package row's origin and digests, for diffing
// against a remote digest stream.
func (s *Store) Origins(ctx context.Context) iter.Seq2[OriginDigest, error] {
	const q = `SELECT origin, digest, olddigest FROM packages ORDER BY origin;`
	rows, err := s.db.QueryContext(ctx, q)
	return func(yield func(OriginDigest, error) bool) {
		if err != nil {
			yield(OriginDigest{}, fmt.Errorf("catalog: origins: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var od OriginDigest
			if err := rows.Scan(&od.Origin, &od.Digest, &od.OldDigest); err != nil {
				if !yield(OriginDigest{}, fmt.Errorf("catalog: origins scan: %w", err)) {
					return
				}
				continue
			}
			if !yield(od, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(OriginDigest{}, fmt.Errorf("catalog: origins: %w", err))
		}
	}
}

// HasPackage reports whether a row for origin exists.
func (s *Store) HasPackage(ctx context.Context, origin string) (bool, error) {
	st, err := s.stmt(ctx, `SELECT id FROM packages WHERE origin = ?;`)
	if err != nil {
		return false, err
	}
	var id int64
	err = st.QueryRowContext(ctx, origin).Scan(&id)
	switch {
	case errors.Is(err, nil):
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	}
	return false, fmt.Errorf("catalog: query: %w", err)
}

// AddPackage writes p and all its child rows. With forced set, an existing
// row for the same origin is replaced; without it, a duplicate origin is
// an error.
func (s *Store) AddPackage(ctx context.Context, p *pkgcat.Package, forced bool) error {
	if forced {
		if err := s.RemovePackage(ctx, p.Origin); err != nil {
			return err
		}
	}
	const q = `INSERT INTO packages
		(origin, name, version, arch, osversion, maintainer, prefix,
		 comment, desc, message, www, repopath, sum, pkgsize, flatsize,
		 licenselogic, digest, olddigest, reponame, automatic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	st, err := s.stmt(ctx, q)
	if err != nil {
		return err
	}
	res, err := st.ExecContext(ctx,
		p.Origin, p.Name, p.Version, p.Arch, p.OSVersion, p.Maintainer, p.Prefix,
		p.Comment, p.Desc, p.Message, p.WWW, p.RepoPath, p.Sum, p.PkgSize, p.FlatSize,
		int64(p.LicenseLogic), p.Digest, p.OldDigest, p.RepoName, boolInt(p.Automatic))
	if err != nil {
		return fmt.Errorf("catalog: insert package %s: %w", p.Origin, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("catalog: insert package %s: %w", p.Origin, err)
	}
	if err := s.addChildren(ctx, id, p); err != nil {
		return err
	}
	addCounter.Inc()
	return nil
}

func (s *Store) addChildren(ctx context.Context, id int64, p *pkgcat.Package) error {
	ins := func(q string, args ...interface{}) error {
		st, err := s.stmt(ctx, q)
		if err != nil {
			return err
		}
		if _, err := st.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("catalog: insert child row: %w", err)
		}
		return nil
	}
	for i := range p.Files {
		f := &p.Files[i]
		if err := ins(`INSERT INTO files (package_id, path, sum, uname, gname, perm) VALUES (?, ?, ?, ?, ?, ?);`,
			id, f.Path, f.Sum, f.Uname, f.Gname, int64(f.Perm)); err != nil {
			return err
		}
	}
	for i := range p.Dirs {
		d := &p.Dirs[i]
		if err := ins(`INSERT INTO dirs (package_id, path, uname, gname, perm, try) VALUES (?, ?, ?, ?, ?, ?);`,
			id, d.Path, d.Uname, d.Gname, int64(d.Perm), boolInt(d.Try)); err != nil {
			return err
		}
	}
	for i := range p.Deps {
		d := &p.Deps[i]
		if err := ins(`INSERT INTO deps (package_id, name, origin, version) VALUES (?, ?, ?, ?);`,
			id, d.Name, d.Origin, d.Version); err != nil {
			return err
		}
	}
	for _, c := range p.Categories {
		if err := ins(`INSERT INTO categories (package_id, name) VALUES (?, ?);`, id, c); err != nil {
			return err
		}
	}
	for _, l := range p.Licenses {
		if err := ins(`INSERT INTO licenses (package_id, name) VALUES (?, ?);`, id, l); err != nil {
			return err
		}
	}
	for i := range p.Users {
		u := &p.Users[i]
		if err := ins(`INSERT INTO users (package_id, name, uidline) VALUES (?, ?, ?);`, id, u.Name, u.UID); err != nil {
			return err
		}
	}
	for i := range p.Groups {
		g := &p.Groups[i]
		if err := ins(`INSERT INTO groups (package_id, name, gidline) VALUES (?, ?, ?);`, id, g.Name, g.GID); err != nil {
			return err
		}
	}
	for i := range p.Options {
		o := &p.Options[i]
		if err := ins(`INSERT INTO options (package_id, key, value, dflt, descr) VALUES (?, ?, ?, ?, ?);`,
			id, o.Key, o.Value, p.OptionDefaults[o.Key], p.OptionDescriptions[o.Key]); err != nil {
			return err
		}
	}
	for _, n := range p.ShlibsRequired {
		if err := ins(`INSERT INTO shlibs_required (package_id, name) VALUES (?, ?);`, id, n); err != nil {
			return err
		}
	}
	for _, n := range p.ShlibsProvided {
		if err := ins(`INSERT INTO shlibs_provided (package_id, name) VALUES (?, ?);`, id, n); err != nil {
			return err
		}
	}
	for _, c := range p.Conflicts {
		if err := ins(`INSERT INTO pkg_conflicts (package_id, uniqueid) VALUES (?, ?);`, id, c); err != nil {
			return err
		}
	}
	for _, n := range p.Provides {
		if err := ins(`INSERT INTO provides (package_id, name) VALUES (?, ?);`, id, n); err != nil {
			return err
		}
	}
	for phase := pkgcat.ScriptPhase(0); phase < pkgcat.NumScripts; phase++ {
		body, ok := p.Scripts[phase]
		if !ok {
			continue
		}
		if err := ins(`INSERT INTO scripts (package_id, phase, body) VALUES (?, ?, ?);`, id, int64(phase), body); err != nil {
			return err
		}
	}
	for label, value := range p.Annotations {
		if err := ins(`INSERT INTO annotations (package_id, label, value) VALUES (?, ?, ?);`, id, label, value); err != nil {
			return err
		}
	}
	return nil
}

// RemovePackage deletes the row for origin and, through the schema's
// cascades, all its child rows. Removing an absent origin is not an
// error.
func (s *Store) RemovePackage(ctx context.Context, origin string) error {
	st, err := s.stmt(ctx, `DELETE FROM packages WHERE origin = ?;`)
	if err != nil {
		return err
	}
	res, err := st.ExecContext(ctx, origin)
	if err != nil {
		return fmt.Errorf("catalog: remove package %s: %w", origin, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		removeCounter.Inc()
	}
	return nil
}

// ClearConflicts drops every conflict registration ahead of a bulk
// reload.
func (s *Store) ClearConflicts(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pkg_conflicts;`); err != nil {
		return fmt.Errorf("catalog: clear conflicts: %w", err)
	}
	return nil
}

// RegisterConflicts bulk-records conflicts for origin.
func (s *Store) RegisterConflicts(ctx context.Context, origin string, deps []string) error {
	st, err := s.stmt(ctx, `INSERT INTO pkg_conflicts (package_id, uniqueid)
		SELECT id, ? FROM packages WHERE origin = ?;`)
	if err != nil {
		return err
	}
	for _, d := range deps {
		if _, err := st.ExecContext(ctx, d, origin); err != nil {
			return fmt.Errorf("catalog: register conflict %s: %w", d, err)
		}
	}
	return nil
}

const registerSavepoint = "pkg_register"

// RegisterPackage stages p inside a savepoint ahead of extraction. On
// success the store holds the in-flight marker until RegisterFinale. A
// duplicate origin leaves the store idle with no marker and no error; the
// caller detects that through InFlight.
func (s *Store) RegisterPackage(ctx context.Context, p *pkgcat.Package) error {
	if s.inFlight {
		return errors.New("catalog: registration already in flight")
	}
	if err := s.Begin(ctx, registerSavepoint); err != nil {
		return err
	}
	err := s.AddPackage(ctx, p, false)
	switch {
	case err == nil:
		s.inFlight = true
		return nil
	case isConstraint(err):
		return s.Rollback(ctx, registerSavepoint)
	}
	if rbErr := s.Rollback(ctx, registerSavepoint); rbErr != nil {
		return errors.Join(err, rbErr)
	}
	return err
}

// InFlight reports whether a staged registration is waiting on
// RegisterFinale.
func (s *Store) InFlight() bool { return s.inFlight }

// RegisterFinale completes a staged registration: commit when the install
// succeeded, roll back when it did not. A finale without an in-flight
// registration is a no-op.
func (s *Store) RegisterFinale(ctx context.Context, result error) error {
	if !s.inFlight {
		return nil
	}
	s.inFlight = false
	if result != nil {
		return s.Rollback(ctx, registerSavepoint)
	}
	return s.Commit(ctx, registerSavepoint)
}

func isConstraint(err error) bool {
	// modernc's driver reports constraint violations textually.
	return err != nil && strings.Contains(err.Error(), "constraint")
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
