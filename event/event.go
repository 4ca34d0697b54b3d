// Package event carries progress and failure notifications out of the
// installer and updater without coupling them to a UI.
package event

import (
	"context"

	"github.com/quay/zlog"

	"github.com/pkgcat/pkgcat"
)

// Sink receives notifications. Implementations must be cheap; they're
// called from hot loops.
type Sink interface {
	Error(ctx context.Context, err error, msg string)
	Notice(ctx context.Context, msg string)
	ProgressStart(ctx context.Context, msg string)
	ProgressTick(ctx context.Context, cur, total int64)

	InstallBegin(ctx context.Context, p *pkgcat.Package)
	InstallFinished(ctx context.Context, p *pkgcat.Package)
	UpgradeFinished(ctx context.Context, p *pkgcat.Package)
	AlreadyInstalled(ctx context.Context, p *pkgcat.Package)
	MissingDep(ctx context.Context, p *pkgcat.Package, dep *pkgcat.Dep)
}

// LogSink routes every notification to the context logger.
type LogSink struct{}

var _ Sink = LogSink{}

func (LogSink) Error(ctx context.Context, err error, msg string) {
	zlog.Error(ctx).Err(err).Msg(msg)
}

func (LogSink) Notice(ctx context.Context, msg string) {
	zlog.Info(ctx).Msg(msg)
}

func (LogSink) ProgressStart(ctx context.Context, msg string) {
	zlog.Info(ctx).Msg(msg)
}

func (LogSink) ProgressTick(ctx context.Context, cur, total int64) {
	zlog.Debug(ctx).
		Int64("current", cur).
		Int64("total", total).
		Msg("progress")
}

func (LogSink) InstallBegin(ctx context.Context, p *pkgcat.Package) {
	zlog.Info(ctx).
		Str("package", p.Name).
		Str("version", p.Version).
		Msg("installing")
}

func (LogSink) InstallFinished(ctx context.Context, p *pkgcat.Package) {
	zlog.Info(ctx).
		Str("package", p.Name).
		Str("version", p.Version).
		Msg("installed")
}

func (LogSink) UpgradeFinished(ctx context.Context, p *pkgcat.Package) {
	zlog.Info(ctx).
		Str("package", p.Name).
		Str("version", p.Version).
		Msg("upgraded")
}

func (LogSink) AlreadyInstalled(ctx context.Context, p *pkgcat.Package) {
	zlog.Info(ctx).
		Str("package", p.Name).
		Msg("already installed")
}

func (LogSink) MissingDep(ctx context.Context, p *pkgcat.Package, dep *pkgcat.Dep) {
	zlog.Error(ctx).
		Str("package", p.Name).
		Str("dependency", dep.Name).
		Str("origin", dep.Origin).
		Msg("missing dependency")
}

// Discard drops every notification. Useful in tests.
type Discard struct{}

var _ Sink = Discard{}

func (Discard) Error(context.Context, error, string)       {}
func (Discard) Notice(context.Context, string)             {}
func (Discard) ProgressStart(context.Context, string)      {}
func (Discard) ProgressTick(context.Context, int64, int64) {}

func (Discard) InstallBegin(context.Context, *pkgcat.Package)            {}
func (Discard) InstallFinished(context.Context, *pkgcat.Package)         {}
func (Discard) UpgradeFinished(context.Context, *pkgcat.Package)         {}
func (Discard) AlreadyInstalled(context.Context, *pkgcat.Package)        {}
func (Discard) MissingDep(context.Context, *pkgcat.Package, *pkgcat.Dep) {}
