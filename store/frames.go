package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SaveFrame upserts the snapshot for (execution, sequence). A new
// sequence number also bumps the execution's frame counter; rewriting
// an existing sequence does not.
func (s *Store) SaveFrame(ctx context.Context, executionID string, sequence int, tree string) error {
	capturedAt := time.Now()

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&Frame{}).
			Where(map[string]any{"execution_id": executionID, "sequence": sequence}).
			Updates(map[string]any{
				"tree":        tree,
				"captured_at": capturedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		frame := Frame{
			ExecutionID: executionID,
			Sequence:    sequence,
			Tree:        tree,
			CapturedAt:  capturedAt,
		}
		if err := tx.Create(&frame).Error; err != nil {
			return err
		}

		return tx.Model(&Execution{}).
			Where("id = ?", executionID).
			UpdateColumn("frames", gorm.Expr("frames + 1")).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save frame %d: %w", sequence, err)
	}
	return nil
}

// Frames returns every snapshot for an execution in sequence order.
func (s *Store) Frames(ctx context.Context, executionID string) ([]*Frame, error) {
	var frames []*Frame
	err := s.db(ctx).
		Where("execution_id = ?", executionID).
		Order("sequence ASC").
		Find(&frames).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	return frames, nil
}

// LatestFrame returns the highest-numbered snapshot.
func (s *Store) LatestFrame(ctx context.Context, executionID string) (*Frame, error) {
	var frame Frame
	err := s.db(ctx).
		Where("execution_id = ?", executionID).
		Order("sequence DESC").
		First(&frame).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no frames for execution %s: %w", executionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest frame: %w", err)
	}
	return &frame, nil
}

// NextFrameSequence returns the sequence number the next snapshot
// should carry. Numbering starts at 1.
func (s *Store) NextFrameSequence(ctx context.Context, executionID string) (int, error) {
	var max int64
	err := s.db(ctx).Model(&Frame{}).
		Where("execution_id = ?", executionID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("failed to compute next frame sequence: %w", err)
	}
	return int(max) + 1, nil
}
