package reporter

import (
	"context"

	"go.uber.org/zap"
)

// Log writes every event to a zap logger at debug level.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Report(_ context.Context, ev Event) error {
	l.log.Debug("experiment activity",
		zap.String("kind", string(ev.Kind)),
		zap.String("experiment", ev.ExperimentID),
		zap.String("variant", ev.VariantID),
		zap.String("visitor", ev.VisitorID),
		zap.String("event", ev.EventName),
		zap.Any("metadata", ev.Metadata),
		zap.Time("timestamp", ev.Timestamp),
	)
	return nil
}
