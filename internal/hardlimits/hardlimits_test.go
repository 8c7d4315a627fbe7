package hardlimits

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrcode/nightscout-aps/internal/models"
	"github.com/mrcode/nightscout-aps/internal/notifications"
)

func TestVerifier_Clamp(t *testing.T) {
	sink := &notifications.Recorder{}
	v := NewVerifier(models.AgeAdult, sink, nil)
	r := Range{80, 180}

	tests := []struct {
		name     string
		value    float64
		expected float64
		reported bool
	}{
		{"inside", 100, 100, false},
		{"lower bound", 80, 80, false},
		{"upper bound", 180, 180, false},
		{"below", 60, 80, true},
		{"above", 200, 180, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(sink.Events())
			got := v.Clamp("profile low target", tt.value, r)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.reported, len(sink.Events()) > before)
		})
	}
}

func TestVerifier_ClampAlwaysInRange(t *testing.T) {
	v := NewVerifier(models.AgeAdult, nil, nil)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		lo := rng.Float64() * 100
		r := Range{lo, lo + rng.Float64()*100}
		value := rng.Float64()*400 - 100

		got := v.Clamp("x", value, r)
		require.True(t, r.Contains(got), "clamp(%v) into %v gave %v", value, r, got)
		assert.Equal(t, r.Contains(value), v.Gate("x", value, r))
	}
}

func TestVerifier_GateReports(t *testing.T) {
	sink := &notifications.Recorder{}
	v := NewVerifier(models.AgeAdult, sink, nil)

	assert.True(t, v.Gate("dia", 6, v.DIA()))
	assert.Empty(t, sink.Events())

	assert.False(t, v.Gate("dia", 3, v.DIA()))
	msgs := sink.Messages(notifications.KindHardLimit)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "dia")
}

func TestVerifier_Require(t *testing.T) {
	v := NewVerifier(models.AgeAdult, nil, nil)

	require.NoError(t, v.Require("isf", 50, ISF))

	err := v.Require("isf", 1, ISF)
	var violation *ViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "isf", violation.Parameter)
	assert.Equal(t, 1.0, violation.Value)
}

func TestTable_ByAge(t *testing.T) {
	tests := []struct {
		age      models.PatientAge
		maxIob   float64
		maxBasal float64
		dia      Range
		ic       Range
	}{
		{models.AgeChild, 7, 2, Range{5, 9}, Range{2, 100}},
		{models.AgeTeenage, 13, 5, Range{5, 9}, Range{2, 100}},
		{models.AgeAdult, 22, 10, Range{5, 9}, Range{2, 100}},
		{models.AgeResistantAdult, 30, 12, Range{5, 9}, Range{2, 100}},
		{models.AgePregnant, 70, 25, Range{5, 10}, Range{0.3, 100}},
		{"", 22, 10, Range{5, 9}, Range{2, 100}},
	}

	for _, tt := range tests {
		t.Run(string(tt.age), func(t *testing.T) {
			table := Table{Age: tt.age}
			assert.Equal(t, tt.maxIob, table.MaxIobSMB())
			assert.Equal(t, tt.maxBasal, table.MaxBasal())
			assert.Equal(t, tt.dia, table.DIA())
			assert.Equal(t, tt.ic, table.IC())
		})
	}
}
