package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/evmts/smithers-go/types"
)

// CreateAgentRun records the start of one backend dispatch and bumps
// the execution's run counter.
func (s *Store) CreateAgentRun(ctx context.Context, run *AgentRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = ExecutionStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return err
		}
		return tx.Model(&Execution{}).
			Where("id = ?", run.ExecutionID).
			UpdateColumn("agent_runs", gorm.Expr("agent_runs + 1")).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create agent run: %w", err)
	}
	return nil
}

// FinishAgentRun records a dispatch outcome: the run's status, output,
// usage, and tool calls, plus the usage rollup on the execution, all in
// one transaction. Only a running run is updated, so a second call for
// the same run is a no-op.
func (s *Store) FinishAgentRun(ctx context.Context, runID string, result *types.Result, runErr error) error {
	now := time.Now()

	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		var run AgentRun
		if err := tx.First(&run, "id = ?", runID).Error; err != nil {
			return err
		}
		if run.Status != ExecutionStatusRunning {
			return nil
		}

		updates := map[string]any{"finished_at": now}
		if runErr != nil {
			updates["status"] = ExecutionStatusFailed
			updates["error"] = runErr.Error()
		} else {
			updates["status"] = ExecutionStatusCompleted
		}

		if result != nil {
			updates["output"] = result.OutputText
			updates["stop_reason"] = string(result.StopReason)
			updates["prompt_tokens"] = result.Usage.PromptTokens
			updates["completion_tokens"] = result.Usage.CompletionTokens
			updates["total_tokens"] = result.Usage.TotalTokens
			updates["cost"] = result.Usage.Cost
			updates["duration_ms"] = result.Duration.Milliseconds()
		}

		if err := tx.Model(&run).Updates(updates).Error; err != nil {
			return err
		}

		if result != nil {
			for _, call := range result.ToolCalls {
				record := ToolCallRecord{
					AgentRunID:  run.ID,
					ExecutionID: run.ExecutionID,
					Name:        call.Name,
					Input:       string(call.Input),
					Output:      string(call.Output),
					Error:       call.Error,
					DurationMS:  call.DurationMS,
				}
				if err := tx.Create(&record).Error; err != nil {
					return err
				}
			}

			return tx.Model(&Execution{}).
				Where("id = ?", run.ExecutionID).
				Updates(map[string]any{
					"prompt_tokens":     gorm.Expr("prompt_tokens + ?", result.Usage.PromptTokens),
					"completion_tokens": gorm.Expr("completion_tokens + ?", result.Usage.CompletionTokens),
					"total_tokens":      gorm.Expr("total_tokens + ?", result.Usage.TotalTokens),
					"cost":              gorm.Expr("cost + ?", result.Usage.Cost),
				}).Error
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("agent run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to finish agent run: %w", err)
	}
	return nil
}

// AgentRuns returns every run for an execution in start order, with
// tool calls preloaded.
func (s *Store) AgentRuns(ctx context.Context, executionID string) ([]*AgentRun, error) {
	var runs []*AgentRun
	err := s.db(ctx).
		Preload("ToolCalls").
		Where("execution_id = ?", executionID).
		Order("started_at ASC, id ASC").
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	return runs, nil
}

// ToolCalls returns every tool invocation for an execution.
func (s *Store) ToolCalls(ctx context.Context, executionID string) ([]*ToolCallRecord, error) {
	var calls []*ToolCallRecord
	err := s.db(ctx).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Find(&calls).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	return calls, nil
}
