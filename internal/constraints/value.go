// Package constraints resolves loop bounds and feature gates through an
// ordered chain of providers. Values carry their provenance and every
// operation returns a new value, so a resolution can be folded without
// sharing mutable state between providers.
package constraints

import (
	"cmp"
	"slices"

	"github.com/mrcode/nightscout-aps/internal/models"
)

// Value is a bound or flag together with the reasons that shaped it
type Value[T any] struct {
	value        T
	reasons      []models.Reason
	mostLimiting []models.Reason
}

// New creates a value with an empty provenance
func New[T any](v T) Value[T] {
	return Value[T]{value: v}
}

// Value returns the current bound
func (c Value[T]) Value() T {
	return c.value
}

// Reasons returns the provenance in call order
func (c Value[T]) Reasons() []models.Reason {
	return slices.Clone(c.reasons)
}

// MostLimiting returns the reasons of the last change to the value
func (c Value[T]) MostLimiting() []models.Reason {
	return slices.Clone(c.mostLimiting)
}

// Set overrides the value and always records the reason
func (c Value[T]) Set(v T, reason, source string) Value[T] {
	r := models.Reason{Source: source, Message: reason}
	return Value[T]{
		value:        v,
		reasons:      append(slices.Clone(c.reasons), r),
		mostLimiting: []models.Reason{r},
	}
}

// AddReason records a reason without touching the value
func (c Value[T]) AddReason(reason, source string) Value[T] {
	out := c
	out.reasons = append(slices.Clone(c.reasons), models.Reason{Source: source, Message: reason})
	return out
}

// CopyReasons appends another value's provenance, used to collect the
// audit trail of a whole cycle
func (c Value[T]) CopyReasons(reasons []models.Reason) Value[T] {
	out := c
	out.reasons = append(slices.Clone(c.reasons), reasons...)
	return out
}

// TightenIfSmaller lowers the value to candidate when candidate is smaller.
// The reason is recorded only if the value changed.
func TightenIfSmaller[T cmp.Ordered](c Value[T], candidate T, reason, source string) Value[T] {
	if !(candidate < c.value) {
		return c
	}
	return c.Set(candidate, reason, source)
}
