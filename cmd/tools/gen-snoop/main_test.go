package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/ranging"
	"github.com/banshee-data/ranging.report/internal/report"
	"github.com/banshee-data/ranging.report/internal/snoop"
)

func baseScenario(role string) scenario {
	return scenario{
		Role:       role,
		Src:        1,
		Dest:       2,
		Exchanges:  10,
		Start:      1_700_000_000_000_000,
		Interval:   10 * time.Millisecond,
		Flight:     2 * time.Microsecond,
		Turnaround: 300 * time.Microsecond,
		Jitter:     20 * time.Microsecond,
		Seed:       42,
	}
}

// replay runs a generated trace through a reader for self and returns the
// effects it produced.
func replay(t *testing.T, s scenario, self correlate.Address) ([]correlate.Effect, *ranging.Reader) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })

	var buf bytes.Buffer
	require.NoError(t, generate(&buf, s))
	src, err := snoop.NewBTSnoopReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var effects []correlate.Effect
	r := ranging.NewReader(src, ranging.Options{Self: self}, ranging.EffectHandlerFunc(func(e correlate.Effect) error {
		effects = append(effects, e)
		return nil
	}))
	require.NoError(t, r.Run(t.Context()))
	return effects, r
}

func TestGenerate_Originator(t *testing.T) {
	effects, r := replay(t, baseScenario("originator"), 1)

	var records []correlate.Record
	for _, e := range effects {
		c, ok := e.(correlate.Completed)
		require.True(t, ok, "unexpected effect %T", e)
		records = append(records, c.Record)
	}
	require.Len(t, records, 10)
	assert.Zero(t, r.Stats().Engine.Dropped)

	// Two flights plus the 1µs gap between Ack and AckTime.
	summary, err := report.Summarise(report.Samples(records))
	require.NoError(t, err)
	assert.Equal(t, 5.0, summary.Min)
	assert.Equal(t, 5.0, summary.Max)
	assert.InDelta(t, 300.0, summary.MeanTurnaround, 20)
}

func TestGenerate_Recipient(t *testing.T) {
	effects, r := replay(t, baseScenario("recipient"), 2)

	var acks, ackTimes int
	for _, e := range effects {
		switch e.(type) {
		case correlate.SendAck:
			acks++
		case correlate.SendAckTime:
			ackTimes++
		default:
			t.Fatalf("unexpected effect %T", e)
		}
	}
	assert.Equal(t, 10, acks)
	assert.Equal(t, 10, ackTimes)
	assert.Equal(t, 10, r.Stats().Engine.InFlight)
}

func TestGenerate_DropEvery(t *testing.T) {
	s := baseScenario("originator")
	s.DropEvery = 3
	effects, r := replay(t, s, 1)

	assert.Len(t, effects, 7)
	assert.Equal(t, 3, r.Stats().Engine.InFlight)
}

func TestScenarioValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*scenario)
	}{
		{"bad role", func(s *scenario) { s.Role = "observer" }},
		{"same address", func(s *scenario) { s.Dest = s.Src }},
		{"no exchanges", func(s *scenario) { s.Exchanges = 0 }},
		{"jitter too large", func(s *scenario) { s.Jitter = s.Turnaround }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := baseScenario("originator")
			tt.mutate(&s)
			assert.Error(t, generate(&bytes.Buffer{}, s))
		})
	}
}
