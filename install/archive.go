package install

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/quay/zlog"
	"github.com/ulikunitz/xz"

	"github.com/pkgcat/pkgcat"
	"github.com/pkgcat/pkgcat/manifest"
)

// Metadata entry names an archive may carry ahead of its payload.
const (
	manifestName        = "+MANIFEST"
	compactManifestName = "+COMPACT_MANIFEST"
	descName            = "+DESC"
	mtreeName           = "+MTREE_DIRS"
)

// archive is an opened package archive with the stream parked at the first
// payload entry.
type archive struct {
	f   *os.File
	dec io.Closer
	tr  *tar.Reader
	// hdr is the parked payload header; nil when the archive holds only
	// metadata.
	hdr *tar.Header
}

// openArchive opens the package archive at p, consumes the metadata
// entries, and parses the manifest into a package entity. The returned
// error wraps pkgcat.ErrEnd when the archive has no payload entries; the
// caller still gets the archive and package and skips extraction.
func openArchive(ctx context.Context, p string) (*archive, *pkgcat.Package, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
	}
	a := &archive{f: f}
	r, err := a.decompress(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
	}
	a.tr = tar.NewReader(r)

	var manifestBuf, compactBuf []byte
	for {
		hdr, err := a.tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			a.hdr = nil
			pkg, perr := a.parseManifest(ctx, manifestBuf, compactBuf)
			if perr != nil {
				a.Close()
				return nil, nil, perr
			}
			return a, pkg, fmt.Errorf("install: %w", pkgcat.ErrEnd)
		case err != nil:
			a.Close()
			return nil, nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
		}
		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		switch name {
		case manifestName:
			if manifestBuf, err = io.ReadAll(a.tr); err != nil {
				a.Close()
				return nil, nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
			}
		case compactManifestName:
			if compactBuf, err = io.ReadAll(a.tr); err != nil {
				a.Close()
				return nil, nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
			}
		case descName, mtreeName:
			// Ancillary metadata; the manifest carries everything the
			// installer needs.
			if _, err := io.Copy(io.Discard, a.tr); err != nil {
				a.Close()
				return nil, nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
			}
		default:
			a.hdr = hdr
			pkg, perr := a.parseManifest(ctx, manifestBuf, compactBuf)
			if perr != nil {
				a.Close()
				return nil, nil, perr
			}
			return a, pkg, nil
		}
	}
}

// parseManifest prefers the full manifest and falls back to the compact
// one.
func (a *archive) parseManifest(ctx context.Context, full, compact []byte) (*pkgcat.Package, error) {
	buf := full
	if buf == nil {
		buf = compact
	}
	if buf == nil {
		return nil, fmt.Errorf("install: %w: archive has no manifest", pkgcat.ErrFatal)
	}
	var pkg pkgcat.Package
	if err := manifest.Parse(ctx, &pkg, buf); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// decompress sniffs the archive's magic and stacks the matching reader.
func (a *archive) decompress(f *os.File) (io.Reader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(magic, []byte{0x1f, 0x8b}):
		g, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		a.dec = g
		return g, nil
	case bytes.HasPrefix(magic, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		s, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		a.dec = closerFunc(func() error { s.Close(); return nil })
		return s, nil
	case bytes.HasPrefix(magic, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		x, err := xz.NewReader(br)
		if err != nil {
			return nil, err
		}
		return x, nil
	}
	return br, nil
}

// next advances to the following payload entry; a nil header means EOF.
func (a *archive) next(ctx context.Context) (*tar.Header, error) {
	hdr, err := a.tr.Next()
	switch {
	case errors.Is(err, io.EOF):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("install: %w: %w", pkgcat.ErrIO, err)
	}
	zlog.Debug(ctx).Str("entry", hdr.Name).Msg("payload entry")
	return hdr, nil
}

func (a *archive) Close() error {
	if a.dec != nil {
		a.dec.Close()
	}
	return a.f.Close()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
