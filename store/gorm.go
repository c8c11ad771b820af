package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/geoflow/deadletter"
	"github.com/BaSui01/geoflow/types"
)

// ErrNotFound is returned when a workflow definition or run does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionExists is returned when publishing a definition version that is
// already stored. Definitions are immutable per version.
var ErrVersionExists = errors.New("workflow version already exists")

// GormStore bundles the persistent repositories over one gorm connection.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps an open gorm connection.
func New(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: db, logger: logger.With(zap.String("component", "store"))}
}

// AutoMigrate creates or updates the schema for all repositories.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&WorkflowModel{}, &RunModel{}, &DeadLetterModel{})
}

// Workflows returns the definition repository.
func (s *GormStore) Workflows() *WorkflowRepo {
	return &WorkflowRepo{db: s.db, logger: s.logger}
}

// Runs returns the run repository.
func (s *GormStore) Runs() *RunRepo {
	return &RunRepo{db: s.db, logger: s.logger}
}

// DeadLetters returns the dead letter repository.
func (s *GormStore) DeadLetters() *DeadLetterRepo {
	return &DeadLetterRepo{db: s.db, logger: s.logger}
}

// WorkflowRepo persists immutable workflow definition versions. It
// implements deadletter.DefinitionSource.
type WorkflowRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

// SaveDefinition publishes one definition version.
func (r *WorkflowRepo) SaveDefinition(ctx context.Context, def *types.WorkflowDefinition) error {
	encoded, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encoding definition: %w", err)
	}
	model := &WorkflowModel{
		WorkflowID: def.ID,
		Version:    def.Version,
		Name:       def.Name,
		Definition: string(encoded),
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s v%d", ErrVersionExists, def.ID, def.Version)
	}
	return nil
}

// GetDefinition loads one version; version <= 0 loads the latest.
func (r *WorkflowRepo) GetDefinition(ctx context.Context, workflowID string, version int) (*types.WorkflowDefinition, error) {
	q := r.db.WithContext(ctx).Where("workflow_id = ?", workflowID)
	if version > 0 {
		q = q.Where("version = ?", version)
	} else {
		q = q.Order("version DESC")
	}

	var model WorkflowModel
	if err := q.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: workflow %s v%d", ErrNotFound, workflowID, version)
		}
		return nil, err
	}

	var def types.WorkflowDefinition
	if err := json.Unmarshal([]byte(model.Definition), &def); err != nil {
		return nil, fmt.Errorf("decoding definition %s v%d: %w", workflowID, model.Version, err)
	}
	return &def, nil
}

// ListDefinitions returns the latest version of every workflow.
func (r *WorkflowRepo) ListDefinitions(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	var models []WorkflowModel
	if err := r.db.WithContext(ctx).Order("workflow_id, version DESC").Find(&models).Error; err != nil {
		return nil, err
	}

	var out []*types.WorkflowDefinition
	seen := make(map[string]bool)
	for _, m := range models {
		if seen[m.WorkflowID] {
			continue
		}
		seen[m.WorkflowID] = true
		var def types.WorkflowDefinition
		if err := json.Unmarshal([]byte(m.Definition), &def); err != nil {
			return nil, fmt.Errorf("decoding definition %s v%d: %w", m.WorkflowID, m.Version, err)
		}
		out = append(out, &def)
	}
	return out, nil
}

// RunRepo persists workflow runs. It implements engine.RunStore and
// deadletter.RunSource.
type RunRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

// SaveRun upserts the whole run aggregate, keyed by run id, so incremental
// saves during execution are idempotent.
func (r *RunRepo) SaveRun(ctx context.Context, run *types.WorkflowRun) error {
	model, err := runToModel(run)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(model).Error
}

// GetRun loads one run with its node states.
func (r *RunRepo) GetRun(ctx context.Context, runID string) (*types.WorkflowRun, error) {
	var model RunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, err
	}
	return runFromModel(&model)
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	Status     types.RunStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// ListRuns returns runs newest-first.
func (r *RunRepo) ListRuns(ctx context.Context, filter RunFilter) ([]*types.WorkflowRun, error) {
	q := r.db.WithContext(ctx).Model(&RunModel{}).Order("started_at DESC")
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var models []RunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*types.WorkflowRun, 0, len(models))
	for i := range models {
		run, err := runFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// DeadLetterRepo implements deadletter.Repository over gorm.
type DeadLetterRepo struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Save inserts a new entry.
func (r *DeadLetterRepo) Save(ctx context.Context, entry *deadletter.FailedWorkflow) error {
	model, err := entryToModel(entry)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(model).Error
}

// Update overwrites an existing entry.
func (r *DeadLetterRepo) Update(ctx context.Context, entry *deadletter.FailedWorkflow) error {
	model, err := entryToModel(entry)
	if err != nil {
		return err
	}
	// Select("*") forces zero-valued columns (cleared assignee, reset
	// counters) into the update; a struct Updates would skip them.
	res := r.db.WithContext(ctx).Model(&DeadLetterModel{}).
		Where("id = ?", entry.ID).
		Select("*").Omit("id", "created_at").
		Updates(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return deadletter.ErrNotFound
	}
	return nil
}

// Get loads one entry.
func (r *DeadLetterRepo) Get(ctx context.Context, id string) (*deadletter.FailedWorkflow, error) {
	var model DeadLetterModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deadletter.ErrNotFound
		}
		return nil, err
	}
	return entryFromModel(&model)
}

// List returns entries matching the filter, newest-first.
func (r *DeadLetterRepo) List(ctx context.Context, filter deadletter.Filter) ([]*deadletter.FailedWorkflow, error) {
	q := r.db.WithContext(ctx).Model(&DeadLetterModel{}).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", string(filter.Category))
	}
	if filter.NodeType != "" {
		q = q.Where("node_type = ?", filter.NodeType)
	}
	if filter.Fingerprint != "" {
		q = q.Where("fingerprint = ?", filter.Fingerprint)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var models []DeadLetterModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*deadletter.FailedWorkflow, 0, len(models))
	for i := range models {
		entry, err := entryFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// Stats aggregates counts by status, category, and node type.
func (r *DeadLetterRepo) Stats(ctx context.Context) (deadletter.Stats, error) {
	stats := deadletter.Stats{
		ByStatus:   make(map[deadletter.EntryStatus]int64),
		ByCategory: make(map[types.ErrorCategory]int64),
		ByNodeType: make(map[string]int64),
	}

	type bucket struct {
		BucketKey string `gorm:"column:bucket_key"`
		N         int64  `gorm:"column:n"`
	}

	group := func(column string, fill func(key string, n int64)) error {
		var rows []bucket
		err := r.db.WithContext(ctx).Model(&DeadLetterModel{}).
			Select(column + " AS bucket_key, COUNT(*) AS n").
			Group(column).
			Scan(&rows).Error
		if err != nil {
			return err
		}
		for _, row := range rows {
			fill(row.BucketKey, row.N)
		}
		return nil
	}

	if err := group("status", func(k string, n int64) {
		stats.ByStatus[deadletter.EntryStatus(k)] = n
		stats.Total += n
	}); err != nil {
		return stats, err
	}
	if err := group("category", func(k string, n int64) {
		stats.ByCategory[types.ErrorCategory(k)] = n
	}); err != nil {
		return stats, err
	}
	if err := group("node_type", func(k string, n int64) {
		stats.ByNodeType[k] = n
	}); err != nil {
		return stats, err
	}
	return stats, nil
}
