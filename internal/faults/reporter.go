package faults

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/joshlong-attic/leveling-up-kafka/internal/metrics"
)

// Reporter is the boundary where structural faults leave the core
type Reporter interface {
	Report(ctx context.Context, err error)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(ctx context.Context, err error)

// Report calls f
func (f ReporterFunc) Report(ctx context.Context, err error) { f(ctx, err) }

// LogReporter logs faults and counts them by class and source.
type LogReporter struct {
	log zerolog.Logger
}

// NewLogReporter returns a reporter writing to log
func NewLogReporter(log zerolog.Logger) *LogReporter {
	return &LogReporter{log: log}
}

// Report implements Reporter
func (r *LogReporter) Report(_ context.Context, err error) {
	if err == nil {
		return
	}

	var f *Fault
	if !errors.As(err, &f) {
		r.log.Error().Err(err).Msg("unclassified fault")
		metrics.FaultsTotal.WithLabelValues("unknown", "UNKNOWN").Inc()
		return
	}

	ev := r.log.Error()
	if f.Class == ClassTransform || f.Class == ClassListing {
		ev = r.log.Warn()
	}
	ev.Err(f.Err).
		Str("class", f.Class.String()).
		Str("source", f.Source.String()).
		Str("token", f.Token).
		Msg("pipeline fault")

	metrics.FaultsTotal.WithLabelValues(f.Class.String(), f.Source.String()).Inc()
}
