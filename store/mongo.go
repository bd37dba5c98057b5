package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Collection names.
const (
	colExecutions  = "smithers_executions"
	colState       = "smithers_state"
	colTransitions = "smithers_state_transitions"
	colFrames      = "smithers_frames"
)

// MongoStore implements the execution, state, and frame surface on
// MongoDB for deployments that already run Mongo. Agent run records
// stay on the relational store.
//
// State writes append the transition before upserting the current
// value. The two writes are not atomic without a replica-set
// transaction; a crash between them leaves history one row ahead,
// which ReplayHistory resolves in favor of the transition log.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// OpenMongo connects to uri, verifies the connection, and creates the
// indexes the queries rely on.
func OpenMongo(ctx context.Context, uri, dbName string, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dbName == "" {
		dbName = "smithers"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	ms := &MongoStore{
		client: client,
		db:     client.Database(dbName),
		logger: logger.With(zap.String("component", "store.mongo")),
	}

	if err := ms.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return ms, nil
}

func (ms *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colExecutions: {
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: -1}}},
		},
		colState: {
			{
				Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTransitions: {
			{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "key", Value: 1}}},
			{Keys: bson.D{{Key: "execution_id", Value: 1}, {Key: "seq", Value: 1}}},
		},
		colFrames: {
			{
				Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "sequence", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	for col, models := range indexes {
		g.Go(func() error {
			if _, err := ms.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
				return fmt.Errorf("failed to create %s indexes: %w", col, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Ping checks database connectivity.
func (ms *MongoStore) Ping(ctx context.Context) error {
	return ms.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (ms *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

// Documents

type executionDoc struct {
	ID               string     `bson:"_id"`
	Program          string     `bson:"program,omitempty"`
	Status           string     `bson:"status"`
	Error            string     `bson:"error,omitempty"`
	Frames           int        `bson:"frames"`
	AgentRuns        int        `bson:"agent_runs"`
	PromptTokens     int64      `bson:"prompt_tokens"`
	CompletionTokens int64      `bson:"completion_tokens"`
	TotalTokens      int64      `bson:"total_tokens"`
	Cost             float64    `bson:"cost"`
	StartedAt        *time.Time `bson:"started_at,omitempty"`
	FinishedAt       *time.Time `bson:"finished_at,omitempty"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
}

type stateDoc struct {
	ExecutionID string    `bson:"execution_id"`
	Key         string    `bson:"key"`
	Value       string    `bson:"value"`
	Version     int       `bson:"version"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type transitionDoc struct {
	ExecutionID string    `bson:"execution_id"`
	Key         string    `bson:"key"`
	Seq         int64     `bson:"seq"`
	OldValue    string    `bson:"old_value,omitempty"`
	NewValue    string    `bson:"new_value"`
	Trigger     string    `bson:"trigger,omitempty"`
	CreatedAt   time.Time `bson:"created_at"`
}

type frameDoc struct {
	ExecutionID string    `bson:"execution_id"`
	Sequence    int       `bson:"sequence"`
	Tree        string    `bson:"tree"`
	CapturedAt  time.Time `bson:"captured_at"`
	CreatedAt   time.Time `bson:"created_at"`
}

func toExecutionDoc(ex *Execution) *executionDoc {
	return &executionDoc{
		ID:               ex.ID,
		Program:          ex.Program,
		Status:           string(ex.Status),
		Error:            ex.Error,
		Frames:           ex.Frames,
		AgentRuns:        ex.AgentRuns,
		PromptTokens:     ex.PromptTokens,
		CompletionTokens: ex.CompletionTokens,
		TotalTokens:      ex.TotalTokens,
		Cost:             ex.Cost,
		StartedAt:        ex.StartedAt,
		FinishedAt:       ex.FinishedAt,
		CreatedAt:        ex.CreatedAt,
		UpdatedAt:        ex.UpdatedAt,
	}
}

func fromExecutionDoc(d *executionDoc) *Execution {
	return &Execution{
		ID:               d.ID,
		Program:          d.Program,
		Status:           ExecutionStatus(d.Status),
		Error:            d.Error,
		Frames:           d.Frames,
		AgentRuns:        d.AgentRuns,
		PromptTokens:     d.PromptTokens,
		CompletionTokens: d.CompletionTokens,
		TotalTokens:      d.TotalTokens,
		Cost:             d.Cost,
		StartedAt:        d.StartedAt,
		FinishedAt:       d.FinishedAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func incompleteStatusStrings() []string {
	out := make([]string, len(incompleteStatuses))
	for i, s := range incompleteStatuses {
		out[i] = string(s)
	}
	return out
}

// Executions

// CreateExecution persists a new execution record.
func (ms *MongoStore) CreateExecution(ctx context.Context, ex *Execution) error {
	if ex.ID == "" {
		ex.ID = bson.NewObjectID().Hex()
	}
	if ex.Status == "" {
		ex.Status = ExecutionStatusPending
	}
	now := time.Now().UTC()
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	ex.UpdatedAt = now

	_, err := ms.db.Collection(colExecutions).InsertOne(ctx, toExecutionDoc(ex))
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// Execution loads one execution by id.
func (ms *MongoStore) Execution(ctx context.Context, id string) (*Execution, error) {
	var d executionDoc
	err := ms.db.Collection(colExecutions).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return fromExecutionDoc(&d), nil
}

// ListExecutions returns executions newest first.
func (ms *MongoStore) ListExecutions(ctx context.Context, limit int) ([]*Execution, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}

	cursor, err := ms.db.Collection(colExecutions).Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []executionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode executions: %w", err)
	}

	out := make([]*Execution, 0, len(docs))
	for i := range docs {
		out = append(out, fromExecutionDoc(&docs[i]))
	}
	return out, nil
}

// MarkRunning moves a pending execution to running.
func (ms *MongoStore) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := ms.db.Collection(colExecutions).UpdateOne(ctx,
		bson.M{"_id": id, "status": string(ExecutionStatusPending)},
		bson.M{"$set": bson.M{
			"status":     string(ExecutionStatusRunning),
			"started_at": now,
			"updated_at": now,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	ex, err := ms.Execution(ctx, id)
	if err != nil {
		return err
	}
	if ex.Status == ExecutionStatusRunning {
		return nil
	}
	return fmt.Errorf("execution %s is %s: %w", id, ex.Status, ErrAlreadyTerminal)
}

// FinishExecution moves an execution to a terminal status exactly once.
func (ms *MongoStore) FinishExecution(ctx context.Context, id string, status ExecutionStatus, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	now := time.Now().UTC()
	res, err := ms.db.Collection(colExecutions).UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": incompleteStatusStrings()}},
		bson.M{"$set": bson.M{
			"status":      string(status),
			"error":       errMsg,
			"finished_at": now,
			"updated_at":  now,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := ms.Execution(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("execution %s: %w", id, ErrAlreadyTerminal)
	}
	return nil
}

// FindMostRecentIncomplete returns the newest pending or running
// execution.
func (ms *MongoStore) FindMostRecentIncomplete(ctx context.Context) (*Execution, error) {
	findOpts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var d executionDoc
	err := ms.db.Collection(colExecutions).FindOne(ctx,
		bson.M{"status": bson.M{"$in": incompleteStatusStrings()}},
		findOpts,
	).Decode(&d)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("no incomplete execution: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find incomplete execution: %w", err)
	}
	return fromExecutionDoc(&d), nil
}

// State

// SetState appends the transition and upserts the current value.
func (ms *MongoStore) SetState(ctx context.Context, executionID, key string, value json.RawMessage, trigger string) error {
	now := time.Now().UTC()
	newValue := string(value)
	filter := bson.M{"execution_id": executionID, "key": key}

	oldValue := ""
	var current stateDoc
	err := ms.db.Collection(colState).FindOne(ctx, filter).Decode(&current)
	switch {
	case isNoDocuments(err):
	case err != nil:
		return fmt.Errorf("failed to load state %q: %w", key, err)
	default:
		oldValue = current.Value
	}

	seq, err := ms.nextTransitionSeq(ctx, executionID)
	if err != nil {
		return err
	}

	_, err = ms.db.Collection(colTransitions).InsertOne(ctx, transitionDoc{
		ExecutionID: executionID,
		Key:         key,
		Seq:         seq,
		OldValue:    oldValue,
		NewValue:    newValue,
		Trigger:     trigger,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("failed to append state transition: %w", err)
	}

	update := bson.M{
		"$set": bson.M{"value": newValue, "updated_at": now},
		"$inc": bson.M{"version": 1},
		"$setOnInsert": bson.M{
			"execution_id": executionID,
			"key":          key,
			"created_at":   now,
		},
	}
	opts := options.UpdateOne().SetUpsert(true)
	if _, err := ms.db.Collection(colState).UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("failed to set state %q: %w", key, err)
	}
	return nil
}

// nextTransitionSeq orders transitions within one execution. Document
// ids are not monotonic across clients, so the sequence is explicit.
func (ms *MongoStore) nextTransitionSeq(ctx context.Context, executionID string) (int64, error) {
	findOpts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})

	var last transitionDoc
	err := ms.db.Collection(colTransitions).FindOne(ctx,
		bson.M{"execution_id": executionID},
		findOpts,
	).Decode(&last)
	if err != nil {
		if isNoDocuments(err) {
			return 1, nil
		}
		return 0, fmt.Errorf("failed to compute transition sequence: %w", err)
	}
	return last.Seq + 1, nil
}

// State returns the current value of one key.
func (ms *MongoStore) State(ctx context.Context, executionID, key string) (json.RawMessage, error) {
	var d stateDoc
	err := ms.db.Collection(colState).FindOne(ctx,
		bson.M{"execution_id": executionID, "key": key},
	).Decode(&d)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("state %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load state %q: %w", key, err)
	}
	return json.RawMessage(d.Value), nil
}

// StateSnapshot returns the current value of every key.
func (ms *MongoStore) StateSnapshot(ctx context.Context, executionID string) (map[string]json.RawMessage, error) {
	cursor, err := ms.db.Collection(colState).Find(ctx, bson.M{"execution_id": executionID})
	if err != nil {
		return nil, fmt.Errorf("failed to load state snapshot: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []stateDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot: %w", err)
	}

	snapshot := make(map[string]json.RawMessage, len(docs))
	for _, d := range docs {
		snapshot[d.Key] = json.RawMessage(d.Value)
	}
	return snapshot, nil
}

// StateHistory returns transitions in append order. An empty key
// returns the history of every key.
func (ms *MongoStore) StateHistory(ctx context.Context, executionID, key string) ([]*StateTransition, error) {
	filter := bson.M{"execution_id": executionID}
	if key != "" {
		filter["key"] = key
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := ms.db.Collection(colTransitions).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to load state history: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []transitionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode state history: %w", err)
	}

	out := make([]*StateTransition, 0, len(docs))
	for _, d := range docs {
		out = append(out, &StateTransition{
			ExecutionID: d.ExecutionID,
			Key:         d.Key,
			OldValue:    d.OldValue,
			NewValue:    d.NewValue,
			Trigger:     d.Trigger,
			CreatedAt:   d.CreatedAt,
		})
	}
	return out, nil
}

// ReplayHistory rebuilds the final state map from transitions alone.
func (ms *MongoStore) ReplayHistory(ctx context.Context, executionID string) (map[string]json.RawMessage, error) {
	transitions, err := ms.StateHistory(ctx, executionID, "")
	if err != nil {
		return nil, err
	}

	replayed := make(map[string]json.RawMessage)
	for _, t := range transitions {
		replayed[t.Key] = json.RawMessage(t.NewValue)
	}
	return replayed, nil
}

// Frames

// SaveFrame upserts the snapshot for (execution, sequence). A new
// sequence bumps the execution's frame counter.
func (ms *MongoStore) SaveFrame(ctx context.Context, executionID string, sequence int, tree string) error {
	now := time.Now().UTC()

	update := bson.M{
		"$set": bson.M{"tree": tree, "captured_at": now},
		"$setOnInsert": bson.M{
			"execution_id": executionID,
			"sequence":     sequence,
			"created_at":   now,
		},
	}
	opts := options.UpdateOne().SetUpsert(true)
	res, err := ms.db.Collection(colFrames).UpdateOne(ctx,
		bson.M{"execution_id": executionID, "sequence": sequence},
		update, opts,
	)
	if err != nil {
		return fmt.Errorf("failed to save frame %d: %w", sequence, err)
	}

	if res.UpsertedCount > 0 {
		_, err = ms.db.Collection(colExecutions).UpdateOne(ctx,
			bson.M{"_id": executionID},
			bson.M{"$inc": bson.M{"frames": 1}},
		)
		if err != nil {
			return fmt.Errorf("failed to bump frame counter: %w", err)
		}
	}
	return nil
}

// Frames returns every snapshot in sequence order.
func (ms *MongoStore) Frames(ctx context.Context, executionID string) ([]*Frame, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	cursor, err := ms.db.Collection(colFrames).Find(ctx, bson.M{"execution_id": executionID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []frameDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode frames: %w", err)
	}

	out := make([]*Frame, 0, len(docs))
	for _, d := range docs {
		out = append(out, &Frame{
			ExecutionID: d.ExecutionID,
			Sequence:    d.Sequence,
			Tree:        d.Tree,
			CapturedAt:  d.CapturedAt,
			CreatedAt:   d.CreatedAt,
		})
	}
	return out, nil
}

// LatestFrame returns the highest-numbered snapshot.
func (ms *MongoStore) LatestFrame(ctx context.Context, executionID string) (*Frame, error) {
	findOpts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}})

	var d frameDoc
	err := ms.db.Collection(colFrames).FindOne(ctx, bson.M{"execution_id": executionID}, findOpts).Decode(&d)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("no frames for execution %s: %w", executionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load latest frame: %w", err)
	}
	return &Frame{
		ExecutionID: d.ExecutionID,
		Sequence:    d.Sequence,
		Tree:        d.Tree,
		CapturedAt:  d.CapturedAt,
		CreatedAt:   d.CreatedAt,
	}, nil
}

// NextFrameSequence returns the sequence number the next snapshot
// should carry.
func (ms *MongoStore) NextFrameSequence(ctx context.Context, executionID string) (int, error) {
	latest, err := ms.LatestFrame(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 1, nil
		}
		return 0, err
	}
	return latest.Sequence + 1, nil
}
