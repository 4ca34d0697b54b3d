// Package repo incrementally synchronizes a local catalog against a remote
// repository's digest and manifest streams.
package repo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quay/zlog"
	"golang.org/x/sys/unix"

	"github.com/pkgcat/pkgcat"
	"github.com/pkgcat/pkgcat/catalog"
	"github.com/pkgcat/pkgcat/event"
	"github.com/pkgcat/pkgcat/manifest"
	"github.com/pkgcat/pkgcat/pkg/tmp"
)

var (
	addedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgcat",
		Subsystem: "repo",
		Name:      "added_total",
		Help:      "Total count of packages added by catalog updates.",
	})
	removedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgcat",
		Subsystem: "repo",
		Name:      "removed_total",
		Help:      "Total count of packages removed by catalog updates.",
	})
	updatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pkgcat",
		Subsystem: "repo",
		Name:      "updated_total",
		Help:      "Total count of packages updated by catalog updates.",
	})
)

// Repo describes one remote repository. The artifact names have working
// defaults and exist for repositories that lay their files out
// differently.
type Repo struct {
	Name string
	URL  string

	Meta      string
	Digests   string
	Manifests string
}

func (r *Repo) meta() string      { return orDefault(r.Meta, "meta") }
func (r *Repo) digests() string   { return orDefault(r.Digests, "digests") }
func (r *Repo) manifests() string { return orDefault(r.Manifests, "packagesite") }

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

// Fetcher opens remote repository artifacts. Implementations handle
// transport and decompression and hand back a self-removing temp file plus
// the artifact's modification time. An artifact unchanged since mtime is
// reported by an error wrapping pkgcat.ErrUpToDate; an absent artifact by
// one wrapping fs.ErrNotExist.
type Fetcher interface {
	FetchExtract(ctx context.Context, r *Repo, name string, mtime time.Time) (*tmp.File, time.Time, error)
}

// Verifier checks the signature of the repository's meta blob.
type Verifier interface {
	Verify(meta []byte) error
}

// Option configures an Updater.
type Option func(*Updater)

// WithVerifier has the updater verify the repository meta file before
// trusting the digest stream.
func WithVerifier(v Verifier) Option {
	return func(u *Updater) { u.verifier = v }
}

// WithEventSink routes progress and failure notifications to sink.
func WithEventSink(sink event.Sink) Option {
	return func(u *Updater) { u.events = sink }
}

// WithABI overrides the host ABI packages are checked against.
func WithABI(abi string) Option {
	return func(u *Updater) { u.abi = abi }
}

// Updater synchronizes local catalogs.
type Updater struct {
	fetcher  Fetcher
	verifier Verifier
	events   event.Sink
	abi      string
}

// New returns an Updater using the given fetcher.
func New(fetcher Fetcher, opts ...Option) *Updater {
	u := &Updater{fetcher: fetcher, events: event.LogSink{}}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Stats counts what one update did to the catalog.
type Stats struct {
	Added     int
	Removed   int
	Updated   int
	Processed int
}

// taskItem is one pending catalog mutation, keyed by origin.
type taskItem struct {
	origin string
	digest string
	offset int64
	length int64
}

// Update diffs the remote digest stream against the catalog at dbPath and
// applies the delta inside one savepoint. The caller's mtime bounds the
// remote fetches and receives the newest artifact time back.
//
// A catalog whose schema is unusable, whose packagesite changed, or whose
// previous update was interrupted is discarded and rebuilt from scratch.
func (u *Updater) Update(ctx context.Context, dbPath string, r *Repo, mtime *time.Time) (Stats, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "repo/Updater.Update",
		"repo", r.Name,
		"ref", uuid.New().String())
	var stats Stats

	store, reuse, err := catalog.Open(ctx, dbPath, false)
	if err != nil {
		return stats, err
	}
	if reuse {
		ok, err := store.SiteMatches(ctx, r.URL)
		if err != nil {
			store.Close()
			return stats, err
		}
		switch {
		case !ok:
			u.events.Notice(ctx, "repository site changed, re-creating catalog")
			reuse = false
		case store.UpdateWasInterrupted(ctx):
			u.events.Notice(ctx, "previous update was not completed successfully, re-creating catalog")
			reuse = false
		}
		if !reuse {
			store.Close()
			if err := os.Remove(dbPath); err != nil {
				return stats, fmt.Errorf("repo: %w: %w", pkgcat.ErrIO, err)
			}
			if store, _, err = catalog.Open(ctx, dbPath, false); err != nil {
				return stats, err
			}
		}
	}
	defer store.Close()
	if !reuse {
		zlog.Debug(ctx).Str("catalog", dbPath).Msg("re-creating catalog")
		*mtime = time.Time{}
	}

	if err := store.InitSchema(ctx); err != nil {
		return stats, err
	}
	if err := store.RegisterRepoURL(ctx, r.URL); err != nil {
		return stats, err
	}

	if err := u.checkMeta(ctx, r); err != nil {
		return stats, err
	}

	localT := *mtime
	fdigests, digestT, err := u.fetcher.FetchExtract(ctx, r, r.digests(), localT)
	if err != nil {
		if errors.Is(err, pkgcat.ErrFatal) && !reuse {
			os.Remove(dbPath)
		}
		return stats, err
	}
	defer fdigests.Close()
	fmanifests, manifestT, err := u.fetcher.FetchExtract(ctx, r, r.manifests(), localT)
	if err != nil {
		if errors.Is(err, pkgcat.ErrFatal) && !reuse {
			os.Remove(dbPath)
		}
		return stats, err
	}
	defer fmanifests.Close()
	*mtime = digestT
	if manifestT.After(digestT) {
		*mtime = manifestT
	}

	legacy, err := detectLegacy(fdigests.File)
	if err != nil {
		return stats, err
	}
	if legacy {
		zlog.Info(ctx).Msg("repository has a legacy digests format")
	}

	// Snapshot the local rows; everything still in the delete table after
	// the digest scan has vanished from the remote.
	ldel := make(map[string]string)
	var delOrder []string
	for od, err := range store.Origins(ctx) {
		if err != nil {
			return stats, err
		}
		digest := od.Digest
		if legacy {
			digest = od.OldDigest
		}
		ldel[od.Origin] = digest
		delOrder = append(delOrder, od.Origin)
	}

	var ladd []taskItem
	sc := bufio.NewScanner(fdigests.File)
	sc.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		e, err := parseDigestLine(line)
		if err != nil {
			return stats, fmt.Errorf("repo: %w: %w", pkgcat.ErrFatal, err)
		}
		stats.Processed++
		have, ok := ldel[e.origin]
		switch {
		case !ok:
			stats.Added++
			ladd = append(ladd, taskItem{e.origin, e.digest, e.offset, e.length})
		case have == e.digest:
			delete(ldel, e.origin)
		default:
			delete(ldel, e.origin)
			stats.Updated++
			ladd = append(ladd, taskItem{e.origin, e.digest, e.offset, e.length})
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("repo: %w: %w", pkgcat.ErrIO, err)
	}

	if err := store.MarkUpdateInFlight(ctx); err != nil {
		return stats, err
	}
	if err := store.Begin(ctx, "REPO"); err != nil {
		return stats, err
	}
	err = u.apply(ctx, store, r, fmanifests.File, legacy, ldel, delOrder, ladd, &stats)
	if err != nil {
		if rbErr := store.Rollback(ctx, "REPO"); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		store.FinalizeStatements()
		return stats, err
	}
	if err := store.Commit(ctx, "REPO"); err != nil {
		return stats, err
	}
	store.FinalizeStatements()
	if err := store.ClearUpdateMarker(ctx); err != nil {
		return stats, err
	}

	addedCounter.Add(float64(stats.Added))
	removedCounter.Add(float64(stats.Removed))
	updatedCounter.Add(float64(stats.Updated))
	zlog.Info(ctx).
		Int("added", stats.Added).
		Int("removed", stats.Removed).
		Int("updated", stats.Updated).
		Int("processed", stats.Processed).
		Msg("incremental update done")
	return stats, nil
}

// checkMeta fetches and verifies the repository meta file. A repository
// without one keeps working on default settings.
func (u *Updater) checkMeta(ctx context.Context, r *Repo) error {
	fmeta, _, err := u.fetcher.FetchExtract(ctx, r, r.meta(), time.Time{})
	switch {
	case errors.Is(err, nil):
	case errors.Is(err, os.ErrNotExist):
		u.events.Notice(ctx, "repository "+r.Name+" has no meta file, using default settings")
		return nil
	default:
		return err
	}
	defer fmeta.Close()
	if u.verifier == nil {
		return nil
	}
	meta, err := io.ReadAll(fmeta.File)
	if err != nil {
		return fmt.Errorf("repo: %w: %w", pkgcat.ErrIO, err)
	}
	if err := u.verifier.Verify(meta); err != nil {
		return fmt.Errorf("repo: %w: meta verification: %w", pkgcat.ErrFatal, err)
	}
	return nil
}

// apply runs the deletes then the adds, the adds parsed out of the
// memory-mapped manifest stream.
func (u *Updater) apply(ctx context.Context, store *catalog.Store, r *Repo, fmanifests *os.File, legacy bool, ldel map[string]string, delOrder []string, ladd []taskItem, stats *Stats) error {
	u.events.ProgressStart(ctx, "Removing expired entries")
	total := int64(len(ldel))
	var tick int64
	for _, origin := range delOrder {
		if _, ok := ldel[origin]; !ok {
			continue
		}
		tick++
		u.events.ProgressTick(ctx, tick, total)
		if err := store.RemovePackage(ctx, origin); err != nil {
			return err
		}
		stats.Removed++
	}

	fi, err := fmanifests.Stat()
	if err != nil {
		return fmt.Errorf("repo: %w: %w", pkgcat.ErrIO, err)
	}
	size := fi.Size()
	if size == 0 {
		if len(ladd) == 0 {
			return nil
		}
		return fmt.Errorf("repo: %w: empty catalog", pkgcat.ErrFatal)
	}
	mapped, err := unix.Mmap(int(fmanifests.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("repo: %w: mmap: %w", pkgcat.ErrOS, err)
	}
	defer unix.Munmap(mapped)

	u.events.ProgressStart(ctx, "Adding new entries")
	abi, err := u.hostABI()
	if err != nil {
		return fmt.Errorf("repo: %w: %w", pkgcat.ErrOS, err)
	}
	var pkg pkgcat.Package
	for i := range ladd {
		item := &ladd[i]
		u.events.ProgressTick(ctx, int64(i+1), int64(len(ladd)))
		if item.offset > size {
			return fmt.Errorf("repo: %w: manifest slice for %s out of range", pkgcat.ErrFatal, item.origin)
		}
		end := size
		if item.length != 0 {
			end = item.offset + item.length
			if end > size {
				return fmt.Errorf("repo: %w: manifest slice for %s out of range", pkgcat.ErrFatal, item.origin)
			}
		}
		if err := u.addFromManifest(ctx, store, r, &pkg, mapped[item.offset:end], item, abi, legacy); err != nil {
			return err
		}
	}
	return nil
}

// addFromManifest parses one slice of the manifest stream and upserts the
// result.
func (u *Updater) addFromManifest(ctx context.Context, store *catalog.Store, r *Repo, pkg *pkgcat.Package, buf []byte, item *taskItem, abi string, legacy bool) error {
	pkg.Reset()
	if err := manifest.Parse(ctx, pkg, buf); err != nil {
		return err
	}
	if err := pkg.Valid(); err != nil {
		return fmt.Errorf("repo: %w: %s: %w", pkgcat.ErrFatal, item.origin, err)
	}
	if pkg.Origin != item.origin {
		return fmt.Errorf("repo: %w: manifest contains origin %s while we wanted to add origin %s",
			pkgcat.ErrFatal, pkg.Origin, item.origin)
	}
	if !abiMatch(abi, pkg.Arch) {
		return fmt.Errorf("repo: %w: package %s has unsupported arch %s", pkgcat.ErrFatal, pkg.Origin, pkg.Arch)
	}
	pkg.RepoName = r.Name
	if legacy {
		pkg.OldDigest = item.digest
		pkg.Digest = manifest.Digest(pkg)
	} else {
		pkg.Digest = item.digest
	}
	return store.AddPackage(ctx, pkg, true)
}

func (u *Updater) hostABI() (string, error) {
	if u.abi != "" {
		return u.abi, nil
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Machine[:]), nil
}

// detectLegacy peeks the first digest line and rewinds.
func detectLegacy(f *os.File) (bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("repo: %w: %w", pkgcat.ErrIO, err)
	}
	br := bufio.NewReader(f)
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("repo: %w: %w", pkgcat.ErrIO, err)
	}
	legacy := false
	if line != "" {
		e, err := parseDigestLine(line)
		if err != nil {
			return false, fmt.Errorf("repo: %w: %w", pkgcat.ErrFatal, err)
		}
		legacy = !checksumValid(e.digest)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("repo: %w: %w", pkgcat.ErrIO, err)
	}
	return legacy, nil
}
