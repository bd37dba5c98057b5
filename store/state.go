package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SetState upserts the current value of a state key and appends the
// transition to history. Both writes happen in one transaction so the
// snapshot and the history can never disagree.
//
// Conditions on the key column go through map conditions because "key"
// is a reserved word in MySQL.
func (s *Store) SetState(ctx context.Context, executionID, key string, value json.RawMessage, trigger string) error {
	newValue := string(value)

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var oldValue string

		var current StateEntry
		err := tx.Where(map[string]any{"execution_id": executionID, "key": key}).
			First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry := StateEntry{
				ExecutionID: executionID,
				Key:         key,
				Value:       newValue,
				Version:     1,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			oldValue = current.Value
			err := tx.Model(&current).Updates(map[string]any{
				"value":   newValue,
				"version": current.Version + 1,
			}).Error
			if err != nil {
				return err
			}
		}

		return tx.Create(&StateTransition{
			ExecutionID: executionID,
			Key:         key,
			OldValue:    oldValue,
			NewValue:    newValue,
			Trigger:     trigger,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to set state %q: %w", key, err)
	}

	s.logger.Debug("state updated",
		zap.String("execution_id", executionID),
		zap.String("key", key),
		zap.String("trigger", trigger),
	)
	return nil
}

// State returns the current value of one key.
func (s *Store) State(ctx context.Context, executionID, key string) (json.RawMessage, error) {
	var entry StateEntry
	err := s.db(ctx).Where(map[string]any{"execution_id": executionID, "key": key}).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("state %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load state %q: %w", key, err)
	}
	return json.RawMessage(entry.Value), nil
}

// StateSnapshot returns the current value of every key.
func (s *Store) StateSnapshot(ctx context.Context, executionID string) (map[string]json.RawMessage, error) {
	var entries []StateEntry
	err := s.db(ctx).Where("execution_id = ?", executionID).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load state snapshot: %w", err)
	}

	snapshot := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		snapshot[e.Key] = json.RawMessage(e.Value)
	}
	return snapshot, nil
}

// StateHistory returns transitions in append order. An empty key
// returns the history of every key.
func (s *Store) StateHistory(ctx context.Context, executionID, key string) ([]*StateTransition, error) {
	cond := map[string]any{"execution_id": executionID}
	if key != "" {
		cond["key"] = key
	}

	var transitions []*StateTransition
	err := s.db(ctx).Where(cond).Order("id ASC").Find(&transitions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load state history: %w", err)
	}
	return transitions, nil
}

// ReplayHistory rebuilds the final state map from transitions alone,
// ignoring the current-value table. After a crash this reconstructs the
// last durably written value of every key.
func (s *Store) ReplayHistory(ctx context.Context, executionID string) (map[string]json.RawMessage, error) {
	transitions, err := s.StateHistory(ctx, executionID, "")
	if err != nil {
		return nil, err
	}

	replayed := make(map[string]json.RawMessage)
	for _, t := range transitions {
		replayed[t.Key] = json.RawMessage(t.NewValue)
	}
	return replayed, nil
}
