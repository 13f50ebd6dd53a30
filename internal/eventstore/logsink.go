package eventstore

import (
	"context"

	"github.com/ipcasj/ethhook-sub004/internal/observability"
)

// LogSink writes rows as structured log lines instead of to ClickHouse —
// the development/fallback sink when no columnar store is configured.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger observability.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) WriteEvents(_ context.Context, rows []EventRow) error {
	for _, r := range rows {
		s.logger.Debug("event row", map[string]interface{}{
			"id": r.ID, "chain_id": r.ChainID, "block_number": r.BlockNumber, "endpoint_id": r.EndpointID,
		})
	}
	return nil
}

func (s *LogSink) WriteDeliveries(_ context.Context, rows []DeliveryRow) error {
	for _, r := range rows {
		s.logger.Debug("delivery row", map[string]interface{}{
			"id": r.ID, "event_id": r.EventID, "endpoint_id": r.EndpointID,
			"attempt": r.Attempt, "http_status": r.HTTPStatus,
		})
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
