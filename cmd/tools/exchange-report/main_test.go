package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/db"
	"github.com/banshee-data/ranging.report/internal/monitoring"
)

func seedDB(t *testing.T) string {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })

	path := filepath.Join(t.TempDir(), "ranging.db")
	store, err := db.OpenDB(path)
	require.NoError(t, err)
	defer store.Close()

	for i, rtt := range []uint64{10, 20, 30} {
		sent := uint64(1_000_000 + i*10_000)
		rec := correlate.Record{
			Key:          correlate.ExchangeKey{Src: 1, Dest: 2, Sequence: uint32(i + 1)},
			SrcSent:      sent,
			DestReceived: 50_000,
			DestSent:     50_300,
			SrcReceived:  sent + 300 + rtt,
			FirstSeen:    sent,
		}
		_, err := store.RecordExchange(db.StatusCompleted, 1, rec)
		require.NoError(t, err)
	}
	_, err = store.RecordExchange(db.StatusExpired, 1, correlate.Record{
		Key:       correlate.ExchangeKey{Src: 1, Dest: 2, Sequence: 9},
		SrcSent:   2_000_000,
		FirstSeen: 2_000_000,
	})
	require.NoError(t, err)
	return path
}

func TestRun_Text(t *testing.T) {
	path := seedDB(t)
	png := filepath.Join(t.TempDir(), "rtt.png")

	var out bytes.Buffer
	require.NoError(t, run(&out, reportOptions{DBPath: path, PNG: png, Bins: 3, Units: "cm"}))
	assert.Contains(t, out.String(), "3 completed, 1 expired")
	assert.Contains(t, out.String(), "mean 20.00µs")
	assert.Contains(t, out.String(), "histogram: "+png)
	// 20µs round trip is about 2998m.
	assert.Contains(t, out.String(), "range: mean 299792.5cm")

	raw, err := os.ReadFile(png)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")))
}

func TestRun_JSON(t *testing.T) {
	path := seedDB(t)

	var out bytes.Buffer
	require.NoError(t, run(&out, reportOptions{DBPath: path, JSON: true}))

	var body struct {
		Counts  map[string]int `json:"counts"`
		Summary struct {
			Count int     `json:"count"`
			P50   float64 `json:"p50_us"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Equal(t, 3, body.Counts["completed"])
	assert.Equal(t, 1, body.Counts["expired"])
	assert.Equal(t, 3, body.Summary.Count)
	assert.Equal(t, 20.0, body.Summary.P50)
}

func TestRun_BadUnits(t *testing.T) {
	path := seedDB(t)
	err := run(&bytes.Buffer{}, reportOptions{DBPath: path, Units: "yd"})
	assert.ErrorContains(t, err, "invalid units")
}

func TestRun_MissingDB(t *testing.T) {
	err := run(&bytes.Buffer{}, reportOptions{DBPath: filepath.Join(t.TempDir(), "none.db")})
	assert.Error(t, err)
}
