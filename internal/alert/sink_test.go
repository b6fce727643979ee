package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"report-pipeline/internal/models"
)

type memAlertStore struct {
	alerts []models.Alert
}

func (m *memAlertStore) InsertAlert(_ context.Context, alert models.Alert) (models.Alert, error) {
	alert.ID = int64(len(m.alerts) + 1)
	alert.CreatedAt = time.Now()
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

func TestSinkPersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := client.Subscribe(ctx, "ops:alerts")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	st := &memAlertStore{}
	sink := NewSink(st, client, "ops:alerts")

	err = sink.Emit(ctx, models.SeverityWarning, "queue_lag:report_jobs",
		"oldest queued job exceeds lag threshold",
		map[string]any{"lag_seconds": 650.0})
	if err != nil {
		t.Fatal(err)
	}

	if len(st.alerts) != 1 {
		t.Fatalf("expected one persisted alert, got %d", len(st.alerts))
	}
	if st.alerts[0].Severity != models.SeverityWarning || st.alerts[0].Source != "queue_lag:report_jobs" {
		t.Fatalf("unexpected alert row: %+v", st.alerts[0])
	}

	msgCh := sub.Channel()
	select {
	case msg := <-msgCh:
		var published models.Alert
		if err := json.Unmarshal([]byte(msg.Payload), &published); err != nil {
			t.Fatalf("payload not json: %v", err)
		}
		if published.Source != "queue_lag:report_jobs" {
			t.Fatalf("unexpected payload: %+v", published)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestSinkWithoutRedisStillPersists(t *testing.T) {
	st := &memAlertStore{}
	sink := NewSink(st, nil, "")

	if err := sink.Emit(context.Background(), models.SeverityCritical, "sweeper", "rollback failed", nil); err != nil {
		t.Fatal(err)
	}
	if len(st.alerts) != 1 {
		t.Fatalf("expected one persisted alert, got %d", len(st.alerts))
	}
}
