package engine

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/BaSui01/geoflow/types"
)

// Categorize classifies an arbitrary node failure into an error category
// using error shape first and message heuristics second. Classification is
// ordered: transient signatures win over data, data over resource, and so
// on, so that "timeout while parsing" is retried rather than dead-lettered.
func Categorize(err error) types.ErrorCategory {
	if err == nil {
		return types.CategoryUnknown
	}

	// Already-categorized errors keep their category through wrapping.
	var werr *types.WorkflowError
	if errors.As(err, &werr) {
		return werr.Category
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return types.CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.CategoryTransient
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg,
		"timeout", "timed out",
		"connection reset", "connection refused", "broken pipe",
		"temporarily unavailable", "temporary failure",
		"deadlock", "serialization failure", "bad connection",
		"no such host", "i/o error"):
		return types.CategoryTransient

	case containsAny(msg,
		"invalid", "malformed", "parse error", "cannot parse", "unmarshal",
		"validation failed", "unexpected token", "schema mismatch",
		"missing required field", "unsupported geometry"):
		return types.CategoryData

	case containsAny(msg,
		"out of memory", "memory budget", "rate limit", "too many requests",
		"quota exceeded", "429", "disk full", "no space left"):
		return types.CategoryResource

	case containsAny(msg,
		"credential", "unauthorized", "forbidden", "api key", "access denied",
		"401", "403", "misconfigured", "missing parameter", "not configured"):
		return types.CategoryConfiguration

	case containsAny(msg,
		"service unavailable", "bad gateway", "gateway timeout",
		"502", "503", "504", "upstream", "server error", "internal server error"):
		return types.CategoryExternal

	case containsAny(msg,
		"runtime error", "nil pointer", "index out of range",
		"slice bounds", "divide by zero", "panic"):
		return types.CategoryLogic

	default:
		return types.CategoryUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
