// Command ranging reads a controller trace, correlates the ranging packets in
// it and records every completed exchange.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/ranging.report/internal/config"
	"github.com/banshee-data/ranging.report/internal/correlate"
	"github.com/banshee-data/ranging.report/internal/db"
	"github.com/banshee-data/ranging.report/internal/ranging"
	"github.com/banshee-data/ranging.report/internal/report"
	"github.com/banshee-data/ranging.report/internal/snoop"
	"github.com/banshee-data/ranging.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to JSON config file")
	self        = flag.Int("self", -1, "This device's ranging address (0-255)")
	btsnoopPath = flag.String("btsnoop", "", "Read an HCI btsnoop log")
	pcapPath    = flag.String("pcap", "", "Read a pcap/pcapng capture")
	serialPort  = flag.String("serial", "", "Read the controller UART, e.g. /dev/ttyUSB0")
	follow      = flag.Bool("follow", false, "Keep reading the btsnoop log as it grows")
	dbPath      = flag.String("db", "", "SQLite database for recorded exchanges")
	listen      = flag.String("listen", "", "Listen address for debug routes (empty disables)")
	recordPath  = flag.String("record", "", "Copy serial input into this btsnoop log")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// options is the resolved run configuration: flags over the config file
// over defaults.
type options struct {
	Self          correlate.Address
	ExpiryTTL     time.Duration
	SweepInterval time.Duration
	Follow        bool
	PollInterval  time.Duration
	Serial        snoop.PortOptions
	DBPath        string
	Listen        string
	Bins          int

	BTSnoop string
	PCAP    string
	Port    string
	Record  string
}

func resolveOptions(cfg *config.Config, setFlags map[string]bool) (options, error) {
	o := options{
		ExpiryTTL:     cfg.GetExpiryTTL(),
		SweepInterval: cfg.GetSweepInterval(),
		Follow:        cfg.GetFollow(),
		PollInterval:  cfg.GetPollInterval(),
		Serial:        cfg.GetSerial(),
		DBPath:        cfg.GetDBPath(),
		Listen:        cfg.GetListen(),
		Bins:          cfg.GetHistogramBins(),
		BTSnoop:       *btsnoopPath,
		PCAP:          *pcapPath,
		Port:          *serialPort,
		Record:        *recordPath,
	}

	addr, ok := cfg.GetSelfAddress()
	if setFlags["self"] {
		if *self < 0 || *self > 255 {
			return o, fmt.Errorf("-self must be between 0 and 255, got %d", *self)
		}
		addr, ok = uint8(*self), true
	}
	if !ok {
		return o, errors.New("device address is required: set -self or self_address")
	}
	o.Self = addr

	if setFlags["follow"] {
		o.Follow = *follow
	}
	if setFlags["db"] {
		o.DBPath = *dbPath
	}
	if setFlags["listen"] {
		o.Listen = *listen
	}

	sources := 0
	for _, s := range []string{o.BTSnoop, o.PCAP, o.Port} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return o, errors.New("exactly one of -btsnoop, -pcap or -serial is required")
	}
	if o.Record != "" && o.Port == "" {
		return o, errors.New("-record only applies to -serial")
	}
	if o.Follow && o.BTSnoop == "" {
		return o, errors.New("-follow only applies to -btsnoop")
	}
	return o, nil
}

// input is an opened trace source plus the link outbound packets go to, if
// the source can transmit.
type input struct {
	src    snoop.Source
	link   io.Writer
	closer func()
}

func openInput(o options) (*input, error) {
	switch {
	case o.BTSnoop != "":
		r, err := snoop.OpenBTSnoop(o.BTSnoop)
		if err != nil {
			return nil, err
		}
		r.Follow = o.Follow
		r.PollInterval = o.PollInterval
		return &input{src: r, closer: func() { r.Close() }}, nil

	case o.PCAP != "":
		p, err := snoop.OpenPCAP(o.PCAP)
		if err != nil {
			return nil, err
		}
		log.Printf("reading %s (link type %d)", o.PCAP, p.LinkType())
		return &input{src: p, closer: func() { p.Close() }}, nil

	default:
		port, err := snoop.OpenSerialPort(o.Port, o.Serial)
		if err != nil {
			return nil, err
		}
		s := snoop.NewSerialSource(port, nil)
		in := &input{src: s, link: s, closer: func() { s.Close() }}
		if o.Record == "" {
			return in, nil
		}

		f, err := os.Create(o.Record)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create recording: %w", err)
		}
		w, err := snoop.NewBTSnoopWriter(f, snoop.DatalinkH4)
		if err != nil {
			f.Close()
			s.Close()
			return nil, err
		}
		in.src = &snoop.RecordingSource{Source: s, Writer: w}
		in.closer = func() {
			s.Close()
			f.Close()
		}
		log.Printf("recording serial input to %s", o.Record)
		return in, nil
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	opts, err := resolveOptions(cfg, setFlags)
	if err != nil {
		log.Fatal(err)
	}

	in, err := openInput(opts)
	if err != nil {
		log.Fatalf("failed to open trace: %v", err)
	}
	defer in.closer()

	store, err := db.OpenDB(opts.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	handlers := []ranging.EffectHandler{ranging.NewRecorder(store, opts.Self)}
	if in.link != nil {
		handlers = append(handlers, ranging.NewOutbox(in.link))
	}
	reader := ranging.NewReader(in.src, ranging.Options{
		Self:          opts.Self,
		ExpiryTTL:     opts.ExpiryTTL,
		SweepInterval: opts.SweepInterval,
	}, handlers...)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("ranging %s as device %d", version.Version, opts.Self)
	reader.Start()

	// reader routine: stops on signal, or ends the run when a finite trace
	// is exhausted and nothing is being served.
	wg.Add(1)
	go func() {
		defer wg.Done()
		done := make(chan error, 1)
		go func() { done <- reader.Wait() }()

		select {
		case <-ctx.Done():
			reader.Cancel()
			<-done
		case err := <-done:
			if err != nil {
				log.Printf("reader stopped: %v", err)
			}
			st := reader.Stats()
			log.Printf("trace finished: %d packets, %d completed, %d expired, %d in flight",
				st.Engine.Packets, st.Engine.Completed, st.Engine.Expired, st.Engine.InFlight)
			if opts.Listen == "" {
				stop()
			}
		}
		log.Print("reader routine terminated")
	}()

	if opts.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, opts, reader, store)
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func newMux(o options, reader *ranging.Reader, store *db.DB) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	debug.KV("Device", o.Self)
	debug.Handle("inflight", "In-flight exchanges and reader counters (JSON)", reader.InFlightHandler())
	debug.Handle("turnaround", "Round-trip histogram of completed exchanges", report.Handler(store.CompletedExchanges, o.Bins))
	return mux, nil
}

func serveHTTP(ctx context.Context, o options, reader *ranging.Reader, store *db.DB) {
	mux, err := newMux(o, reader, store)
	if err != nil {
		log.Printf("failed to build debug routes: %v", err)
		return
	}
	server := &http.Server{
		Addr:    o.Listen,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
