package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/geoflow/engine"
	"github.com/BaSui01/geoflow/types"
)

// TypeDatabaseSink is the registered type name of the database upsert sink.
const TypeDatabaseSink = "database.sink"

const defaultSinkBatchSize = 500

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DatabaseSink writes records into a table in chunks, upserting when
// conflict columns are given. It is a batch node on purpose: inserts are
// idempotent under the upsert clause, so a retried attempt rewrites the same
// rows instead of duplicating them.
//
// Parameters:
//
//	table             destination table name (required)
//	conflict_columns  unique-key columns driving the upsert, empty = plain insert
//	batch_size        rows per insert statement (default 500)
type DatabaseSink struct {
	engine.BatchBase

	db     *gorm.DB
	logger *zap.Logger
}

// NewDatabaseSink builds a database sink bound to a connection.
func NewDatabaseSink(db *gorm.DB, logger *zap.Logger) *DatabaseSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseSink{db: db, logger: logger.With(zap.String("node_type", TypeDatabaseSink))}
}

// ExecuteBatch writes every input record and passes the input through
// unchanged, so a sink can sit mid-pipeline for audit copies.
func (s *DatabaseSink) ExecuteBatch(ctx context.Context, input []types.Record, params map[string]any) ([]types.Record, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database sink not configured: no connection")
	}
	table, err := requiredString(params, "table")
	if err != nil {
		return nil, err
	}
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("node misconfigured: parameter \"table\" is not a valid identifier: %q", table)
	}
	conflictCols, err := optionalStringSlice(params, "conflict_columns")
	if err != nil {
		return nil, err
	}
	for _, col := range conflictCols {
		if !identPattern.MatchString(col) {
			return nil, fmt.Errorf("node misconfigured: conflict column is not a valid identifier: %q", col)
		}
	}
	batchSize, err := optionalInt(params, "batch_size", defaultSinkBatchSize)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultSinkBatchSize
	}

	if len(input) == 0 {
		return input, nil
	}

	rows := make([]map[string]any, len(input))
	for i, rec := range input {
		row, err := flattenRow(rec)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}

	tx := s.db.WithContext(ctx).Table(table)
	if len(conflictCols) > 0 {
		cols := make([]clause.Column, len(conflictCols))
		for i, c := range conflictCols {
			cols[i] = clause.Column{Name: c}
		}
		tx = tx.Clauses(clause.OnConflict{Columns: cols, UpdateAll: true})
	}

	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		if err := tx.Create(rows[start:end]).Error; err != nil {
			return nil, fmt.Errorf("insert into %s: %w", table, err)
		}
	}

	s.logger.Debug("wrote records",
		zap.String("table", table),
		zap.Int("records", len(rows)),
		zap.Int("batch_size", batchSize))
	return input, nil
}

// flattenRow turns a record into an insertable row. Nested values such as
// geometry objects are serialized to JSON text, anything scalar passes
// through.
func flattenRow(rec types.Record) (map[string]any, error) {
	row := make(map[string]any, len(rec))
	for k, v := range rec {
		if !identPattern.MatchString(k) {
			return nil, fmt.Errorf("invalid column name in record: %q", k)
		}
		switch v.(type) {
		case nil, bool, string,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			row[k] = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("invalid value for column %q: %w", k, err)
			}
			row[k] = string(raw)
		}
	}
	return row, nil
}
