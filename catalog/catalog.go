// Package catalog is the gateway to the local package catalog, a SQLite
// database tracking remote and installed packages.
package catalog

import (
	"context"
	"database/sql"
	_ "embed" // embed the schema
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/jmoiron/sqlx"
	"github.com/quay/zlog"
	_ "modernc.org/sqlite" // register the sqlite driver
)

//go:embed sql/schema.sql
var schema string

// Store is a handle to one catalog database.
//
// A Store is not safe for concurrent use; the caller is responsible for
// making sure only one installer or updater operates on a catalog at a
// time.
type Store struct {
	db       *sqlx.DB
	stmts    map[string]*sqlx.Stmt
	inFlight bool
}

// Open opens the catalog at path. The second return is the reuse flag:
// false when the schema is missing or unusable, in which case the caller
// must treat the catalog as empty and rebuild it.
//
// Must be a file on-disk. This is a limitation of the underlying SQLite
// library.
func Open(ctx context.Context, path string, readonly bool) (*Store, bool, error) {
	pragmas := []string{"foreign_keys(1)"}
	if readonly {
		pragmas = append(pragmas, "query_only(1)")
	}
	u := url.URL{
		Scheme:   `file`,
		Opaque:   path,
		RawQuery: url.Values{"_pragma": pragmas}.Encode(),
	}
	db, err := sqlx.Open(`sqlite`, u.String())
	if err != nil {
		return nil, false, fmt.Errorf("catalog: %w", err)
	}
	// Savepoints are connection state; everything has to run on the one
	// connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("catalog: %w", err)
	}
	s := &Store{db: db, stmts: make(map[string]*sqlx.Stmt)}
	reuse, err := s.schemaPresent(ctx)
	if err != nil {
		db.Close()
		return nil, false, err
	}
	return s, reuse, nil
}

// Close finalizes cached statements and releases the database handle.
func (s *Store) Close() error {
	s.FinalizeStatements()
	return s.db.Close()
}

func (s *Store) schemaPresent(ctx context.Context) (bool, error) {
	const q = `SELECT count(name) FROM sqlite_master WHERE type = 'table' AND name = 'repodata';`
	var ct int64
	if err := s.db.QueryRowContext(ctx, q).Scan(&ct); err != nil {
		return false, fmt.Errorf("catalog: schema check: %w", err)
	}
	return ct == 1, nil
}

// InitSchema creates any missing tables. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("catalog: init schema: %w", err)
	}
	return nil
}

// RegisterRepoURL upserts the packagesite this catalog mirrors.
func (s *Store) RegisterRepoURL(ctx context.Context, url string) error {
	const q = `INSERT OR REPLACE INTO repodata (key, value) VALUES ('packagesite', ?);`
	if _, err := s.db.ExecContext(ctx, q, url); err != nil {
		return fmt.Errorf("catalog: register repo url: %w", err)
	}
	return nil
}

// SiteMatches reports whether the recorded packagesite equals url. A
// catalog with a different site has to be rebuilt.
func (s *Store) SiteMatches(ctx context.Context, url string) (bool, error) {
	const q = `SELECT value FROM repodata WHERE key = 'packagesite';`
	var have string
	err := s.db.QueryRowContext(ctx, q).Scan(&have)
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("catalog: site check: %w", err)
	}
	return have == url, nil
}

// MarkUpdateInFlight creates the transient update marker. A marker
// surviving into the next run means the previous update aborted
// mid-transaction.
func (s *Store) MarkUpdateInFlight(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS repo_update (x INTEGER);`); err != nil {
		return fmt.Errorf("catalog: update marker: %w", err)
	}
	return nil
}

// UpdateWasInterrupted reports whether an update marker from an earlier
// run is still present.
func (s *Store) UpdateWasInterrupted(ctx context.Context) bool {
	// Insert probes for the table; it only succeeds when a previous
	// update left the marker behind.
	_, err := s.db.ExecContext(ctx, `INSERT INTO repo_update VALUES (1);`)
	return err == nil
}

// ClearUpdateMarker drops the transient update marker after a successful
// update.
func (s *Store) ClearUpdateMarker(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS repo_update;`); err != nil {
		return fmt.Errorf("catalog: update marker: %w", err)
	}
	return nil
}

var savepointName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Begin opens the named savepoint. Savepoints nest.
func (s *Store) Begin(ctx context.Context, name string) error {
	return s.savepoint(ctx, `SAVEPOINT `, name)
}

// Commit releases the named savepoint.
func (s *Store) Commit(ctx context.Context, name string) error {
	return s.savepoint(ctx, `RELEASE SAVEPOINT `, name)
}

// Rollback rolls back to and releases the named savepoint.
func (s *Store) Rollback(ctx context.Context, name string) error {
	if err := s.savepoint(ctx, `ROLLBACK TO SAVEPOINT `, name); err != nil {
		return err
	}
	return s.savepoint(ctx, `RELEASE SAVEPOINT `, name)
}

func (s *Store) savepoint(ctx context.Context, verb, name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("catalog: invalid savepoint name %q", name)
	}
	if _, err := s.db.ExecContext(ctx, verb+name+`;`); err != nil {
		return fmt.Errorf("catalog: savepoint %s: %w", name, err)
	}
	return nil
}

// stmt returns a cached prepared statement for q, preparing it on first
// use. The cache is finalized by FinalizeStatements.
func (s *Store) stmt(ctx context.Context, q string) (*sqlx.Stmt, error) {
	if st, ok := s.stmts[q]; ok {
		return st, nil
	}
	st, err := s.db.PreparexContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: prepare: %w", err)
	}
	s.stmts[q] = st
	return st, nil
}

// FinalizeStatements drops every cached prepared statement. Statements are
// re-created lazily, so this is safe to call between operations; it must
// be called before closing the database.
func (s *Store) FinalizeStatements() {
	for q, st := range s.stmts {
		if err := st.Close(); err != nil {
			zlog.Warn(context.Background()).Err(err).Msg("statement finalize")
		}
		delete(s.stmts, q)
	}
}
