package alert

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"report-pipeline/internal/models"
	"report-pipeline/internal/telemetry"
)

// Store is the persistence half of the sink.
type Store interface {
	InsertAlert(ctx context.Context, alert models.Alert) (models.Alert, error)
}

// Sink persists operational alerts and fans them out to external
// notification channels over redis pub/sub. Persistence is
// authoritative; fan-out is best effort.
type Sink struct {
	store   Store
	redis   *redis.Client
	channel string
}

func NewSink(store Store, client *redis.Client, channel string) *Sink {
	return &Sink{store: store, redis: client, channel: channel}
}

// Emit appends an alert row and publishes it for subscribers.
func (s *Sink) Emit(ctx context.Context, severity models.Severity, source, message string, alertCtx map[string]any) error {
	alert, err := s.store.InsertAlert(ctx, models.Alert{
		Severity: severity,
		Source:   source,
		Message:  message,
		Context:  alertCtx,
	})
	if err != nil {
		return err
	}
	telemetry.AlertsEmitted.WithLabelValues(string(severity)).Inc()
	slog.Warn("operational alert",
		"severity", string(severity), "source", source, "message", message)

	if s.redis != nil && s.channel != "" {
		payload, err := json.Marshal(alert)
		if err == nil {
			if err := s.redis.Publish(ctx, s.channel, payload).Err(); err != nil {
				slog.Error("alert fan-out failed", "source", source, "error", err)
			}
		}
	}
	return nil
}
