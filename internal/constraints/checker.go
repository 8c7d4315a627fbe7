package constraints

import (
	"math"
	"sync"

	"github.com/mrcode/nightscout-aps/internal/models"
)

// Checker folds a value through every registered provider in registration
// order.
type Checker struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewChecker creates a checker over the given providers
func NewChecker(providers ...Provider) *Checker {
	return &Checker{providers: providers}
}

// Register appends a provider to the end of the chain
func (c *Checker) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, p)
}

// Providers returns the chain in evaluation order
func (c *Checker) Providers() []Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

func fold[T any](c *Checker, v Value[T], apply func(Provider, Value[T]) Value[T]) Value[T] {
	for _, p := range c.Providers() {
		v = apply(p, v)
	}
	return v
}

// MaxIOBAllowed resolves the insulin-on-board ceiling starting unbounded
func (c *Checker) MaxIOBAllowed() Value[float64] {
	return fold(c, New(math.MaxFloat64), func(p Provider, v Value[float64]) Value[float64] {
		return p.ApplyMaxIOBConstraints(v)
	})
}

// MaxBasalAllowed resolves the absolute basal ceiling starting unbounded
func (c *Checker) MaxBasalAllowed(profile *models.Profile) Value[float64] {
	return c.ApplyBasalConstraints(New(math.MaxFloat64), profile)
}

// ApplyBasalConstraints narrows a requested absolute rate
func (c *Checker) ApplyBasalConstraints(rate Value[float64], profile *models.Profile) Value[float64] {
	return fold(c, rate, func(p Provider, v Value[float64]) Value[float64] {
		return p.ApplyBasalConstraints(v, profile)
	})
}

// IsSMBModeEnabled resolves the advanced dosing gate from the given seed
func (c *Checker) IsSMBModeEnabled(seed Value[bool]) Value[bool] {
	return fold(c, seed, func(p Provider, v Value[bool]) Value[bool] { return p.IsSMBModeEnabled(v) })
}

// IsUAMEnabled resolves the unannounced meal gate
func (c *Checker) IsUAMEnabled(seed Value[bool]) Value[bool] {
	return fold(c, seed, func(p Provider, v Value[bool]) Value[bool] { return p.IsUAMEnabled(v) })
}

// IsAdvancedFilteringEnabled resolves the advanced filtering gate
func (c *Checker) IsAdvancedFilteringEnabled(seed Value[bool]) Value[bool] {
	return fold(c, seed, func(p Provider, v Value[bool]) Value[bool] { return p.IsAdvancedFilteringEnabled(v) })
}

// IsAutosensModeEnabled resolves the sensitivity auto-adjustment gate
func (c *Checker) IsAutosensModeEnabled() Value[bool] {
	return fold(c, New(true), func(p Provider, v Value[bool]) Value[bool] { return p.IsAutosensModeEnabled(v) })
}

// IsDynIsfModeEnabled resolves the dynamic sensitivity gate
func (c *Checker) IsDynIsfModeEnabled(seed Value[bool]) Value[bool] {
	return fold(c, seed, func(p Provider, v Value[bool]) Value[bool] { return p.IsDynIsfModeEnabled(v) })
}

// IsSuperBolusEnabled resolves the super bolus gate
func (c *Checker) IsSuperBolusEnabled() Value[bool] {
	return fold(c, New(true), func(p Provider, v Value[bool]) Value[bool] { return p.IsSuperBolusEnabled(v) })
}
