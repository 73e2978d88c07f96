// Package report turns completed exchanges into time-of-flight statistics
// and charts.
package report

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/units"
)

// ErrNoSamples is returned when there is nothing to summarise or plot.
var ErrNoSamples = errors.New("no completed exchanges")

// Sample is the derived timing of one completed exchange. Durations are in
// microseconds.
type Sample struct {
	Key correlate.ExchangeKey `json:"key"`

	// RoundTrip is the originator's elapsed time minus the recipient's
	// turnaround. Each difference stays within one clock domain.
	RoundTrip float64 `json:"round_trip_us"`

	// Turnaround is the time the recipient held the packet.
	Turnaround float64 `json:"turnaround_us"`

	// Distance is the one-way range estimate in meters.
	Distance float64 `json:"distance_m"`
}

// Samples computes a Sample for each complete record. Incomplete records are
// skipped.
func Samples(records []correlate.Record) []Sample {
	out := make([]Sample, 0, len(records))
	for _, r := range records {
		if !r.Complete() {
			continue
		}
		elapsed := int64(r.SrcReceived) - int64(r.SrcSent)
		turnaround := int64(r.DestSent) - int64(r.DestReceived)
		rtt := float64(elapsed - turnaround)
		out = append(out, Sample{
			Key:        r.Key,
			RoundTrip:  rtt,
			Turnaround: float64(turnaround),
			Distance:   units.RoundTripDistance(rtt),
		})
	}
	return out
}

// Summary describes the round-trip distribution.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_us"`
	StdDev float64 `json:"std_dev_us"`
	Min    float64 `json:"min_us"`
	Max    float64 `json:"max_us"`
	P50    float64 `json:"p50_us"`
	P90    float64 `json:"p90_us"`
	P99    float64 `json:"p99_us"`

	MeanTurnaround float64 `json:"mean_turnaround_us"`
	MeanDistance   float64 `json:"mean_distance_m"`
}

// Summarise computes round-trip statistics over samples.
func Summarise(samples []Sample) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}
	rtt := roundTrips(samples)
	turnaround := make([]float64, len(samples))
	distance := make([]float64, len(samples))
	for i, s := range samples {
		turnaround[i] = s.Turnaround
		distance[i] = s.Distance
	}

	s := Summary{
		Count:          len(rtt),
		Mean:           stat.Mean(rtt, nil),
		Min:            floats.Min(rtt),
		Max:            floats.Max(rtt),
		P50:            stat.Quantile(0.5, stat.Empirical, rtt, nil),
		P90:            stat.Quantile(0.9, stat.Empirical, rtt, nil),
		P99:            stat.Quantile(0.99, stat.Empirical, rtt, nil),
		MeanTurnaround: stat.Mean(turnaround, nil),
		MeanDistance:   stat.Mean(distance, nil),
	}
	if len(rtt) > 1 {
		s.StdDev = stat.StdDev(rtt, nil)
	}
	return s, nil
}

// roundTrips returns the sorted round-trip times.
func roundTrips(samples []Sample) []float64 {
	rtt := make([]float64, len(samples))
	for i, s := range samples {
		rtt[i] = s.RoundTrip
	}
	sort.Float64s(rtt)
	return rtt
}

// Bucket is one histogram bin covering [Low, High).
type Bucket struct {
	Low   float64 `json:"low_us"`
	High  float64 `json:"high_us"`
	Count int     `json:"count"`
}

// Histogram bins the round-trip times into n equal-width buckets.
func Histogram(samples []Sample, n int) ([]Bucket, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}
	if n < 1 {
		n = 1
	}
	rtt := roundTrips(samples)
	lo, hi := rtt[0], rtt[len(rtt)-1]
	if hi == lo {
		hi = lo + 1
	}
	// stat.Histogram needs the last divider strictly above the maximum.
	dividers := make([]float64, n+1)
	floats.Span(dividers, lo, hi)
	dividers[n] = math.Nextafter(hi, math.Inf(1))

	counts := stat.Histogram(nil, dividers, rtt, nil)
	buckets := make([]Bucket, n)
	for i := range buckets {
		buckets[i] = Bucket{Low: dividers[i], High: dividers[i+1], Count: int(counts[i])}
	}
	return buckets, nil
}
