package model

import "time"

// TaskKind collection task kind
type TaskKind string

const (
	// TaskKindSearch crawls a search result page for listing candidates
	TaskKindSearch TaskKind = "search"
	// TaskKindDetail fetches a single listing detail page
	TaskKindDetail TaskKind = "detail"
)

// TaskStatus collection task state machine states
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusFetching  TaskStatus = "fetching"
	TaskStatusExtracted TaskStatus = "extracted"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusFailed    TaskStatus = "failed"
)

// CollectionTask is a unit of collection work submitted by the
// external scheduler. It is consumed once and never mutated after
// dispatch; failed fetches are retried by re-enqueue with backoff.
type CollectionTask struct {
	TaskID    string     `json:"task_id"`
	Kind      TaskKind   `json:"kind"`
	Query     string     `json:"query,omitempty"`
	Location  string     `json:"location,omitempty"`
	MinPrice  *float64   `json:"min_price,omitempty"`
	MaxPrice  *float64   `json:"max_price,omitempty"`
	// ExternalID identifies the listing for detail tasks.
	ExternalID string    `json:"external_id,omitempty"`
	Priority   int       `json:"priority"`
	NotBefore  time.Time `json:"not_before"`
}

// Valid reports whether the task carries the parameters its kind needs.
func (t *CollectionTask) Valid() bool {
	switch t.Kind {
	case TaskKindSearch:
		return t.Query != ""
	case TaskKindDetail:
		return t.ExternalID != ""
	default:
		return false
	}
}
