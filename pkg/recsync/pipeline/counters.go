package pipeline

import "log/slog"

// Counters accumulates per-pass telemetry.
type Counters struct {
	Processed        int64
	Deleted          int64
	MergedDocs       int64
	MergedComponents int64
}

// Log emits the pass summary.
func (c *Counters) Log(logger *slog.Logger, pass, runID string) {
	logger.Info("pass complete",
		"pass", pass,
		"run", runID,
		"processed", c.Processed,
		"deleted", c.Deleted,
		"merged", c.MergedDocs,
		"merged_components", c.MergedComponents,
	)
}
