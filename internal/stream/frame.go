package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"echodb/internal/models"
)

// writeEvent writes one SSE message carrying ev.
func writeEvent(w io.Writer, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event %d: %w", ev.ID, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

// writeHeartbeat writes an SSE comment that keeps idle connections open.
func writeHeartbeat(w io.Writer, now time.Time) error {
	_, err := fmt.Fprintf(w, ": keep-alive %s\n\n", now.UTC().Format(time.RFC3339))
	return err
}
