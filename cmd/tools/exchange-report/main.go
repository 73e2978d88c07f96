// Command exchange-report summarises the completed exchanges in a ranging
// database and optionally plots their round-trip histogram.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/ranging.report/internal/db"
	"github.com/banshee-data/ranging.report/internal/report"
	"github.com/banshee-data/ranging.report/internal/units"
)

type reportOptions struct {
	DBPath string
	PNG    string
	Bins   int
	JSON   bool
	Units  string
}

func run(w io.Writer, o reportOptions) error {
	if o.Units == "" {
		o.Units = units.Meters
	}
	if !units.IsValid(o.Units) {
		return fmt.Errorf("invalid units %q; must be one of: %s", o.Units, units.GetValidUnitsString())
	}
	if _, err := os.Stat(o.DBPath); err != nil {
		return fmt.Errorf("database %s: %w", o.DBPath, err)
	}
	store, err := db.OpenDB(o.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.CompletedExchanges()
	if err != nil {
		return err
	}
	counts, err := store.CountByStatus()
	if err != nil {
		return err
	}
	samples := report.Samples(records)
	summary, err := report.Summarise(samples)
	if err != nil {
		return err
	}

	if o.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]interface{}{"counts": counts, "summary": summary}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(w, "exchanges: %d completed, %d expired\n", counts[db.StatusCompleted], counts[db.StatusExpired])
		fmt.Fprintf(w, "round trip: mean %.2fµs sd %.2fµs min %.0fµs max %.0fµs\n",
			summary.Mean, summary.StdDev, summary.Min, summary.Max)
		fmt.Fprintf(w, "percentiles: p50 %.0fµs p90 %.0fµs p99 %.0fµs\n", summary.P50, summary.P90, summary.P99)
		fmt.Fprintf(w, "turnaround: mean %.2fµs\n", summary.MeanTurnaround)
		fmt.Fprintf(w, "range: mean %.1f%s\n", units.ConvertDistance(summary.MeanDistance, o.Units), o.Units)
	}

	if o.PNG == "" {
		return nil
	}
	if err := report.WriteHistogramPNG(o.PNG, samples, o.Bins); err != nil {
		return err
	}
	if !o.JSON {
		fmt.Fprintf(w, "histogram: %s\n", o.PNG)
	}
	return nil
}

func main() {
	dbPath := flag.String("db", "ranging.db", "ranging database")
	png := flag.String("png", "", "write a round-trip histogram to this path (.png, .svg, .pdf)")
	bins := flag.Int("bins", report.DefaultBins, "histogram bins")
	asJSON := flag.Bool("json", false, "print the summary as JSON")
	distanceUnits := flag.String("units", units.Meters, "range units: "+units.GetValidUnitsString())
	flag.Parse()

	if err := run(os.Stdout, reportOptions{DBPath: *dbPath, PNG: *png, Bins: *bins, JSON: *asJSON, Units: *distanceUnits}); err != nil {
		log.Fatal(err)
	}
}
