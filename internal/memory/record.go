package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the indexing state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists every legal (from, to) pair. Anything else is rejected.
var transitions = map[Status]map[Status]struct{}{
	StatusPending:    {StatusProcessing: {}},
	StatusProcessing: {StatusCompleted: {}, StatusFailed: {}},
}

// Statuses returns all statuses in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the table allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	_, ok := transitions[s][next]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st := Status(raw)
	if !st.Valid() {
		return fmt.Errorf("unknown record status %q", raw)
	}
	*s = st
	return nil
}

// Record is one captured-and-described unit of content plus its indexing state.
// Embedding is non-nil exactly when Status is StatusCompleted.
type Record struct {
	ID          string     `json:"id"`
	CaptureTime time.Time  `json:"captureTime"`
	MediaRef    string     `json:"mediaRef"`
	Description string     `json:"description"`
	Embedding   []float32  `json:"embedding"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	EmbeddedAt  *time.Time `json:"embeddedAt"`
}

// Indexed reports whether the record can take part in retrieval.
func (r Record) Indexed() bool {
	return r.Status == StatusCompleted && len(r.Embedding) > 0
}

// Stats is a snapshot of record counts per status.
type Stats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// Unindexed is the number of records still waiting for (or in) the worker.
func (s Stats) Unindexed() int {
	return s.Pending + s.Processing
}

// NewID returns a unique id that sorts by creation time. UUIDv7 carries a
// millisecond timestamp plus a monotonic sequence and random bits, so rapid
// captures within one millisecond do not collide.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
