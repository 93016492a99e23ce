package domain

import (
	"fmt"
	"time"
)

type EventType string

const (
	EventEnqueued   EventType = "enqueued"
	EventStarted    EventType = "started"
	EventProgressed EventType = "progressed"
	EventRetrying   EventType = "retrying"
	EventCompleted  EventType = "completed"
	EventCancelled  EventType = "cancelled"
	EventErrored    EventType = "errored"
)

// JobEvent is published on every meaningful job transition.
type JobEvent struct {
	ID              string    `json:"id"`
	Type            EventType `json:"type"`
	JobID           JobID     `json:"job_id"`
	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	ProcessedModels int       `json:"processed_models"`
	TotalModels     int       `json:"total_models"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// JobChannel is the per-job channel name events are published on.
func JobChannel(id JobID) string {
	return fmt.Sprintf("generation:%s", id)
}
