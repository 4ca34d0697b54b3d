package repo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkgcat/pkgcat"
	"github.com/pkgcat/pkgcat/catalog"
)

// LoadConflicts replaces the catalog's conflict registrations with the
// contents of a repository conflicts stream. Records are
// "origin:dep,dep,..." lines.
func LoadConflicts(ctx context.Context, store *catalog.Store, r io.Reader) error {
	if err := store.ClearConflicts(ctx); err != nil {
		return err
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		origin, rest, ok := strings.Cut(line, ":")
		if !ok || origin == "" {
			return fmt.Errorf("repo: %w: invalid conflicts entry %q", pkgcat.ErrFatal, line)
		}
		deps := strings.Split(rest, ",")
		if err := store.RegisterConflicts(ctx, origin, deps); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("repo: %w: %w", pkgcat.ErrIO, err)
	}
	return nil
}
