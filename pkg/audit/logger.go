package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/operantsec/warden/pkg/contracts"
)

// logger implements Trail by writing one JSON record per line to a
// configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Trail writing to os.Stdout.
func NewLogger() Trail {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Trail writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Trail {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(_ context.Context, eventType string, actorType contracts.ActorType,
	actorID, resourceType, resourceID string, details map[string]any) error {

	rec := Record{
		ID:           uuid.New().String(),
		EventType:    eventType,
		ActorType:    actorType,
		ActorID:      actorID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Timestamp:    l.clock(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
	return err
}

// Fanout duplicates records to several trails; a failure in any sink is
// returned but does not stop the others.
type Fanout []Trail

func (f Fanout) Record(ctx context.Context, eventType string, actorType contracts.ActorType,
	actorID, resourceType, resourceID string, details map[string]any) error {
	var firstErr error
	for _, t := range f {
		if err := t.Record(ctx, eventType, actorType, actorID, resourceType, resourceID, details); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Alerted wraps a Trail so a failed write is reported to the logger
// instead of vanishing. Governance operations treat audit writes as
// non-fatal, so the wrapped trail is where a dropped record becomes
// visible.
func Alerted(trail Trail, logger *slog.Logger) Trail {
	return &alerted{trail: trail, logger: logger}
}

type alerted struct {
	trail  Trail
	logger *slog.Logger
}

func (a *alerted) Record(ctx context.Context, eventType string, actorType contracts.ActorType,
	actorID, resourceType, resourceID string, details map[string]any) error {
	err := a.trail.Record(ctx, eventType, actorType, actorID, resourceType, resourceID, details)
	if err != nil {
		a.logger.Error("audit record dropped",
			"event_type", eventType,
			"resource_type", resourceType,
			"resource_id", resourceID,
			"error", err)
	}
	return err
}
