package domain

import "time"

// Checkpoint is a durable snapshot of a job's progress.
type Checkpoint struct {
	ID              string         `json:"id"`
	JobID           JobID          `json:"job_id"`
	Progress        int            `json:"progress"`
	CompletedModels []string       `json:"completed_models"`
	CurrentModel    string         `json:"current_model"`
	CurrentMaterial string         `json:"current_material"`
	SequenceIndex   int            `json:"sequence_index"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// CheckpointDraft is the part of a checkpoint a caller supplies; the
// manager fills in identity and time.
type CheckpointDraft struct {
	Progress        int
	CompletedModels []string
	CurrentModel    string
	CurrentMaterial string
	SequenceIndex   int
	Metadata        map[string]any
}
