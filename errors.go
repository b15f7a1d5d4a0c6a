package keisoku

import (
	"errors"

	"github.com/ashita-ai/keisoku/internal/export"
	"github.com/ashita-ai/keisoku/internal/trace"
)

// IsInvalidSpanNesting reports whether err came from StartSpan being given
// a parent that already ended or belongs to a different invocation.
func IsInvalidSpanNesting(err error) bool {
	var nestErr *trace.InvalidSpanNestingError
	return errors.As(err, &nestErr)
}

// IsTransientDelivery reports whether a Flush error was a transient sink
// failure (network error, timeout, 429, or 5xx) rather than a permanent
// one such as bad credentials.
func IsTransientDelivery(err error) bool {
	return export.IsTransient(err)
}
