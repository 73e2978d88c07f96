package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/ranging.report/internal/config"
	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/db"
	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/packet"
	"github.com/banshee-data/ranging.report/internal/ranging"
	"github.com/banshee-data/ranging.report/internal/snoop"
)

// TestFlagDefaults verifies the flags exist and default to "unset".
func TestFlagDefaults(t *testing.T) {
	if self == nil || *self != -1 {
		t.Errorf("expected -self default -1, got %v", self)
	}
	for name, v := range map[string]*string{
		"btsnoop": btsnoopPath,
		"pcap":    pcapPath,
		"serial":  serialPort,
		"db":      dbPath,
		"listen":  listen,
		"record":  recordPath,
	} {
		if v == nil {
			t.Fatalf("%s flag not defined", name)
		}
		if *v != "" {
			t.Errorf("expected -%s default to be empty, got %q", name, *v)
		}
	}
	if *follow {
		t.Error("expected -follow default to be false")
	}
}

// setFlag assigns a flag variable for the duration of the test.
func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestResolveOptions(t *testing.T) {
	ptrInt := func(v int) *int { return &v }
	ptrString := func(v string) *string { return &v }

	tests := []struct {
		name     string
		cfg      config.Config
		setup    func(t *testing.T)
		setFlags map[string]bool
		wantErr  string
		check    func(t *testing.T, o options)
	}{
		{
			name:    "missing self",
			setup:   func(t *testing.T) { setFlag(t, btsnoopPath, "trace.log") },
			wantErr: "device address is required",
		},
		{
			name: "self from config",
			cfg:  config.Config{SelfAddress: ptrInt(7), ExpiryTTL: ptrString("2s")},
			setup: func(t *testing.T) {
				setFlag(t, btsnoopPath, "trace.log")
			},
			check: func(t *testing.T, o options) {
				if o.Self != 7 {
					t.Errorf("Self = %d, want 7", o.Self)
				}
				if o.ExpiryTTL != 2*time.Second || o.SweepInterval != 2*time.Second {
					t.Errorf("ExpiryTTL, SweepInterval = %v, %v, want 2s, 2s", o.ExpiryTTL, o.SweepInterval)
				}
				if o.DBPath != "ranging.db" || o.Listen != ":8080" || o.Bins != 20 {
					t.Errorf("unexpected defaults: %+v", o)
				}
			},
		},
		{
			name: "flags override config",
			cfg:  config.Config{SelfAddress: ptrInt(7), Listen: ptrString(":9000")},
			setup: func(t *testing.T) {
				setFlag(t, self, 3)
				setFlag(t, btsnoopPath, "trace.log")
				setFlag(t, follow, true)
				setFlag(t, dbPath, "other.db")
				setFlag(t, listen, "")
			},
			setFlags: map[string]bool{"self": true, "follow": true, "db": true, "listen": true},
			check: func(t *testing.T, o options) {
				if o.Self != 3 {
					t.Errorf("Self = %d, want 3", o.Self)
				}
				if !o.Follow {
					t.Error("Follow = false, want true")
				}
				if o.DBPath != "other.db" {
					t.Errorf("DBPath = %q, want other.db", o.DBPath)
				}
				if o.Listen != "" {
					t.Errorf("Listen = %q, want empty", o.Listen)
				}
			},
		},
		{
			name: "self out of range",
			setup: func(t *testing.T) {
				setFlag(t, self, 256)
				setFlag(t, btsnoopPath, "trace.log")
			},
			setFlags: map[string]bool{"self": true},
			wantErr:  "between 0 and 255",
		},
		{
			name:    "no source",
			cfg:     config.Config{SelfAddress: ptrInt(1)},
			wantErr: "exactly one of",
		},
		{
			name: "two sources",
			cfg:  config.Config{SelfAddress: ptrInt(1)},
			setup: func(t *testing.T) {
				setFlag(t, btsnoopPath, "trace.log")
				setFlag(t, pcapPath, "trace.pcap")
			},
			wantErr: "exactly one of",
		},
		{
			name: "record without serial",
			cfg:  config.Config{SelfAddress: ptrInt(1)},
			setup: func(t *testing.T) {
				setFlag(t, pcapPath, "trace.pcap")
				setFlag(t, recordPath, "copy.log")
			},
			wantErr: "-record",
		},
		{
			name: "follow without btsnoop",
			cfg:  config.Config{SelfAddress: ptrInt(1), Follow: func() *bool { b := true; return &b }()},
			setup: func(t *testing.T) {
				setFlag(t, serialPort, "/dev/ttyUSB0")
			},
			wantErr: "-follow",
		},
		{
			name: "serial with recording",
			cfg:  config.Config{SelfAddress: ptrInt(1)},
			setup: func(t *testing.T) {
				setFlag(t, serialPort, "/dev/ttyUSB0")
				setFlag(t, recordPath, "copy.log")
			},
			check: func(t *testing.T, o options) {
				if o.Port != "/dev/ttyUSB0" || o.Record != "copy.log" {
					t.Errorf("Port, Record = %q, %q", o.Port, o.Record)
				}
				if o.Serial.BaudRate != 115200 {
					t.Errorf("Serial.BaudRate = %d, want 115200", o.Serial.BaudRate)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup(t)
			}
			cfg := tt.cfg
			o, err := resolveOptions(&cfg, tt.setFlags)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("resolveOptions() = %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveOptions() = %v", err)
			}
			if tt.check != nil {
				tt.check(t, o)
			}
		})
	}
}

func TestOpenInputBTSnoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.log")
	if err := writeEmptyTrace(path); err != nil {
		t.Fatalf("failed to write trace: %v", err)
	}
	in, err := openInput(options{BTSnoop: path, Follow: true, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("openInput() = %v", err)
	}
	defer in.closer()
	if in.link != nil {
		t.Error("a btsnoop input must not have an outbound link")
	}
	r, ok := in.src.(*snoop.BTSnoopReader)
	if !ok {
		t.Fatalf("src = %T, want *snoop.BTSnoopReader", in.src)
	}
	if !r.Follow || r.PollInterval != time.Millisecond {
		t.Errorf("Follow, PollInterval = %v, %v", r.Follow, r.PollInterval)
	}

	if _, err := openInput(options{PCAP: filepath.Join(t.TempDir(), "missing.pcap")}); err == nil {
		t.Error("expected error for a missing pcap")
	}
}

func writeEmptyTrace(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = snoop.NewBTSnoopWriter(f, snoop.DatalinkH4)
	return err
}

func TestNewMux(t *testing.T) {
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })

	store, err := db.OpenDB(filepath.Join(t.TempDir(), "ranging.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	// One complete originator exchange: 1 -> 2, seq 9.
	var buf bytes.Buffer
	w, err := snoop.NewBTSnoopWriter(&buf, snoop.DatalinkH4)
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range []struct {
		ts  uint64
		pkt packet.Packet
	}{
		{1_000, &packet.Data{Src: 1, Dest: 2, Sequence: 9}},
		{1_400, &packet.Ack{Src: 1, Dest: 2, Sequence: 9, DestReceived: 50_000}},
		{1_500, &packet.AckTime{Src: 1, Dest: 2, Sequence: 9, DestSent: 50_300}},
	} {
		if err := w.WriteRecord(rec.ts, snoop.FlagReceived, packet.Encode(rec.pkt)); err != nil {
			t.Fatal(err)
		}
	}
	src, err := snoop.NewBTSnoopReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	o := options{Self: 1, Bins: 4}
	reader := ranging.NewReader(src, ranging.Options{Self: o.Self}, ranging.NewRecorder(store, o.Self))
	if err := reader.Run(t.Context()); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	mux, err := newMux(o, reader, store)
	if err != nil {
		t.Fatalf("newMux() = %v", err)
	}

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/debug/inflight")
	if rec.Code != http.StatusOK {
		t.Fatalf("/debug/inflight status = %d, body %s", rec.Code, rec.Body.String())
	}
	var inflight struct {
		Stats   ranging.Stats      `json:"stats"`
		Records []correlate.Record `json:"records"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&inflight); err != nil {
		t.Fatalf("failed to decode inflight: %v", err)
	}
	if inflight.Stats.Engine.Completed != 1 || len(inflight.Records) != 0 {
		t.Errorf("inflight = %+v", inflight)
	}

	rec = get("/debug/turnaround?format=json")
	if rec.Code != http.StatusOK {
		t.Fatalf("/debug/turnaround status = %d, body %s", rec.Code, rec.Body.String())
	}
	var turnaround struct {
		Summary struct {
			Count int     `json:"count"`
			Mean  float64 `json:"mean_us"`
		} `json:"summary"`
		Histogram []json.RawMessage `json:"histogram"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&turnaround); err != nil {
		t.Fatalf("failed to decode turnaround: %v", err)
	}
	// (1500-1000) - (50300-50000) = 200µs.
	if turnaround.Summary.Count != 1 || turnaround.Summary.Mean != 200 {
		t.Errorf("summary = %+v, want one exchange with a 200µs round trip", turnaround.Summary)
	}

	if rec := get("/debug/exchanges"); rec.Code != http.StatusOK {
		t.Errorf("/debug/exchanges status = %d", rec.Code)
	}
	if rec := get("/debug/"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "turnaround") {
		t.Errorf("/debug/ index status = %d, missing turnaround link", rec.Code)
	}
}
