package engine

import (
	"time"

	"github.com/kestrelsec/kestrel/internal/audit"
)

// now is the engine clock. Wall time only; event ordering comes from the
// append sequence, not from timestamps.
var now = func() time.Time { return time.Now().UTC() }

func auditEvent(runID, step, eventType, status string, detail map[string]any) audit.Event {
	return audit.Event{
		RunID:  runID,
		Step:   step,
		Type:   eventType,
		Status: status,
		At:     now(),
		Detail: detail,
	}
}
