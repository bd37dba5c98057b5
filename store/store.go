package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/evmts/smithers-go/internal/database"
	"github.com/evmts/smithers-go/types"
)

// Common errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyTerminal = errors.New("execution already terminal")
	ErrStoreClosed     = errors.New("store is closed")
)

// Options configures Open.
type Options struct {
	// Logger receives store diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// Pool tunes the connection pool. Zero value means defaults.
	Pool database.PoolConfig

	// DisableAutoMigrate skips schema migration on Open. Operators who
	// version their DDL run the embedded migrations instead.
	DisableAutoMigrate bool
}

// Store is the relational implementation of the persistence surface.
type Store struct {
	pool   *database.PoolManager
	logger *zap.Logger
}

// Open connects to the database named by dsn and returns a ready Store.
// The scheme selects the driver:
//
//	sqlite://workflows.db   SQLite file (also bare paths and ":memory:")
//	postgres://...          PostgreSQL
//	mysql://user@tcp(...)/  MySQL (scheme stripped before dialing)
//
// An empty dsn opens an in-memory SQLite database.
func Open(dsn string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pool == (database.PoolConfig{}) {
		opts.Pool = database.DefaultPoolConfig()
	}

	dialector, memory := dialectorFor(dsn)
	if memory {
		// Every pooled connection would otherwise see its own empty
		// in-memory database.
		opts.Pool.MaxOpenConns = 1
		opts.Pool.MaxIdleConns = 1
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	return New(db, opts)
}

// New wraps an already opened GORM handle. Open is the usual entry
// point; New exists for callers that manage the connection themselves.
func New(db *gorm.DB, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pool == (database.PoolConfig{}) {
		opts.Pool = database.DefaultPoolConfig()
	}

	pool, err := database.NewPoolManager(db, opts.Pool, opts.Logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		pool:   pool,
		logger: opts.Logger.With(zap.String("component", "store")),
	}

	if !opts.DisableAutoMigrate {
		if err := s.AutoMigrate(); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

func dialectorFor(dsn string) (gorm.Dialector, bool) {
	switch {
	case dsn == "" || dsn == ":memory:" || dsn == "sqlite://:memory:":
		return sqlite.Open(":memory:"), true
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(dsn), false
	case strings.HasPrefix(dsn, "mysql://"):
		return mysql.Open(strings.TrimPrefix(dsn, "mysql://")), false
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(dsn, "sqlite://")), false
	default:
		return sqlite.Open(dsn), false
	}
}

// AutoMigrate creates or updates the schema for every model.
func (s *Store) AutoMigrate() error {
	err := s.pool.DB().AutoMigrate(
		&Execution{},
		&StateEntry{},
		&StateTransition{},
		&Frame{},
		&AgentRun{},
		&ToolCallRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

// CreateExecution persists a new execution record. A missing ID is
// filled with a random UUID and a missing status defaults to pending.
func (s *Store) CreateExecution(ctx context.Context, ex *Execution) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	if ex.Status == "" {
		ex.Status = ExecutionStatusPending
	}

	if err := s.db(ctx).Create(ex).Error; err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	s.logger.Debug("execution created",
		zap.String("execution_id", ex.ID),
		zap.String("program", ex.Program),
	)
	return nil
}

// Execution loads one execution by id.
func (s *Store) Execution(ctx context.Context, id string) (*Execution, error) {
	var ex Execution
	if err := s.db(ctx).First(&ex, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return &ex, nil
}

// ListExecutions returns executions newest first. A non-positive limit
// returns everything.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]*Execution, error) {
	q := s.db(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []*Execution
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return out, nil
}

// MarkRunning moves a pending execution to running and stamps its start
// time. Calling it on an execution that is already running is a no-op,
// so resume does not need to special-case the transition.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	res := s.db(ctx).Model(&Execution{}).
		Where("id = ? AND status = ?", id, ExecutionStatusPending).
		Updates(map[string]any{
			"status":     ExecutionStatusRunning,
			"started_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark execution running: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	ex, err := s.Execution(ctx, id)
	if err != nil {
		return err
	}
	if ex.Status == ExecutionStatusRunning {
		return nil
	}
	return fmt.Errorf("execution %s is %s: %w", id, ex.Status, ErrAlreadyTerminal)
}

// FinishExecution moves an execution to a terminal status. The update is
// conditional on the current status still being non-terminal, so the
// first caller wins and every later call reports ErrAlreadyTerminal.
func (s *Store) FinishExecution(ctx context.Context, id string, status ExecutionStatus, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	res := s.db(ctx).Model(&Execution{}).
		Where("id = ? AND status IN ?", id, incompleteStatuses).
		Updates(map[string]any{
			"status":      status,
			"error":       errMsg,
			"finished_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finish execution: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Execution(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("execution %s: %w", id, ErrAlreadyTerminal)
	}

	s.logger.Info("execution finished",
		zap.String("execution_id", id),
		zap.String("status", string(status)),
	)
	return nil
}

// AddUsage accumulates token usage onto the execution's aggregate
// counters.
func (s *Store) AddUsage(ctx context.Context, id string, usage types.TokenUsage) error {
	res := s.db(ctx).Model(&Execution{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"prompt_tokens":     gorm.Expr("prompt_tokens + ?", usage.PromptTokens),
			"completion_tokens": gorm.Expr("completion_tokens + ?", usage.CompletionTokens),
			"total_tokens":      gorm.Expr("total_tokens + ?", usage.TotalTokens),
			"cost":              gorm.Expr("cost + ?", usage.Cost),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to add usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// FindMostRecentIncomplete returns the newest execution that is still
// pending or running, for resuming without an explicit id.
func (s *Store) FindMostRecentIncomplete(ctx context.Context) (*Execution, error) {
	var ex Execution
	err := s.db(ctx).
		Where("status IN ?", incompleteStatuses).
		Order("created_at DESC").
		First(&ex).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no incomplete execution: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find incomplete execution: %w", err)
	}
	return &ex, nil
}
