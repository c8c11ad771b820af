package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/geoflow/types"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "dial tcp: network unreachable" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return false }

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorCategory
	}{
		{"nil", nil, types.CategoryUnknown},
		{"context deadline", context.DeadlineExceeded, types.CategoryTransient},
		{"wrapped deadline", fmt.Errorf("fetching tiles: %w", context.DeadlineExceeded), types.CategoryTransient},
		{"net timeout", fakeNetErr{timeout: true}, types.CategoryTransient},
		{"connection reset", errors.New("read: connection reset by peer"), types.CategoryTransient},
		{"db deadlock", errors.New("Error 1213: Deadlock found when trying to get lock"), types.CategoryTransient},
		{"malformed geojson", errors.New("cannot parse feature collection: unexpected token"), types.CategoryData},
		{"invalid geometry", errors.New("unsupported geometry type: CIRCULARSTRING"), types.CategoryData},
		{"rate limited", errors.New("429 too many requests"), types.CategoryResource},
		{"memory budget", fmt.Errorf("buffering features: %w", ErrMemoryBudget), types.CategoryResource},
		{"bad credentials", errors.New("401 unauthorized: invalid api key"), types.CategoryConfiguration},
		{"upstream down", errors.New("502 bad gateway from geocoding service"), types.CategoryExternal},
		{"nil deref", errors.New("runtime error: nil pointer dereference"), types.CategoryLogic},
		{"anything else", errors.New("something odd happened"), types.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

// Transient signatures win over lower-priority ones when a message matches
// several buckets.
func TestCategorizeOrdering(t *testing.T) {
	err := errors.New("timeout while parsing malformed response")
	assert.Equal(t, types.CategoryTransient, Categorize(err))
}

// A WorkflowError keeps its assigned category through any wrapping.
func TestCategorizePreservesAssignedCategory(t *testing.T) {
	werr := &types.WorkflowError{
		Category: types.CategoryData,
		Message:  "timeout parsing input", // message alone would read as transient
		NodeType: "features.filter",
	}
	wrapped := fmt.Errorf("node failed: %w", werr)
	assert.Equal(t, types.CategoryData, Categorize(wrapped))
}

func TestCategorizeHonorsExplicitCategoryOverTimeout(t *testing.T) {
	werr := &types.WorkflowError{
		Category: types.CategoryConfiguration,
		Message:  "misconfigured source",
		Cause:    context.DeadlineExceeded,
	}
	assert.Equal(t, types.CategoryConfiguration, Categorize(werr))
}
