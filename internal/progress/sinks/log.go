package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/regcrawler/internal/progress"
)

// LogSink writes run milestones at info level and page events at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Stage != progress.StagePageDone {
			s.logger.Info("run progress",
				zap.String("run_id", evt.RunID),
				zap.String("stage", string(evt.Stage)),
				zap.Time("ts", evt.TS),
				zap.String("note", evt.Note),
			)
			continue
		}
		if ce := s.logger.Check(zap.DebugLevel, "page progress"); ce != nil {
			ce.Write(
				zap.String("run_id", evt.RunID),
				zap.String("host", evt.Host),
				zap.String("url", evt.URL),
				zap.Int("depth", evt.Depth),
				zap.String("kind", string(evt.Kind)),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
			)
		}
	}
	return nil
}

// Close implements progress.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
