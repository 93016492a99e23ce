package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/jewelforge/internal/core/domain"
)

func (r *Repository) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	completed, err := json.Marshal(cp.CompletedModels)
	if err != nil {
		return fmt.Errorf("marshal completed models: %w", err)
	}
	metadata, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("marshal checkpoint metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, job_id, progress, completed_models, current_model,
		                         current_material, sequence_index, metadata, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID,
		string(cp.JobID),
		cp.Progress,
		string(completed),
		cp.CurrentModel,
		cp.CurrentMaterial,
		cp.SequenceIndex,
		string(metadata),
		cp.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (r *Repository) LatestCheckpoint(ctx context.Context, id domain.JobID) (domain.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, job_id, progress, completed_models, current_model, current_material,
		       sequence_index, metadata, ts
		FROM checkpoints WHERE job_id = ?
		ORDER BY ts DESC
		LIMIT 1`, string(id))

	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, domain.ErrCheckpointNotFound
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("latest checkpoint for %s: %w", id, err)
	}
	return cp, nil
}

func (r *Repository) listCheckpoints(ctx context.Context, id domain.JobID) ([]domain.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, progress, completed_models, current_model, current_material,
		       sequence_index, metadata, ts
		FROM checkpoints WHERE job_id = ?
		ORDER BY ts ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", id, err)
	}
	defer rows.Close()

	out := []domain.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var jobID, completed, metadata string
	err := row.Scan(
		&cp.ID, &jobID, &cp.Progress, &completed, &cp.CurrentModel, &cp.CurrentMaterial,
		&cp.SequenceIndex, &metadata, &cp.Timestamp,
	)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	cp.JobID = domain.JobID(jobID)
	cp.Timestamp = cp.Timestamp.UTC()
	if err := json.Unmarshal([]byte(completed), &cp.CompletedModels); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("decode completed models: %w", err)
	}
	if cp.CompletedModels == nil {
		cp.CompletedModels = []string{}
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &cp.Metadata); err != nil {
			return domain.Checkpoint{}, fmt.Errorf("decode metadata of checkpoint %s: %w", cp.ID, err)
		}
	}
	return cp, nil
}
