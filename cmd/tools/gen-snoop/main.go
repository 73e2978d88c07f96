// Command gen-snoop generates synthetic btsnoop logs of ranging exchanges for
// exercising the ranging reader without a controller.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/banshee-data/ranging.report/internal/packet"
	"github.com/banshee-data/ranging.report/internal/snoop"
)

// h4ACL is an H4 ACL header that precedes every frame, as a real capture
// would carry.
var h4ACL = []byte{0x02, 0x40, 0x20, 0x1b, 0x00}

type scenario struct {
	Role       string // "originator" or "recipient"
	Src, Dest  uint8
	Exchanges  int
	Start      uint64        // µs since the Unix epoch
	Interval   time.Duration // between Data packets
	Flight     time.Duration // one-way time of flight
	Turnaround time.Duration // recipient's Data to Ack delay
	Jitter     time.Duration // uniform ± on turnaround
	DropEvery  int           // omit the AckTime of every Nth exchange; 0 keeps all
	Seed       uint64
}

func (s scenario) validate() error {
	if s.Role != "originator" && s.Role != "recipient" {
		return fmt.Errorf("role must be originator or recipient, got %q", s.Role)
	}
	if s.Src == s.Dest {
		return fmt.Errorf("src and dest must differ, both are %d", s.Src)
	}
	if s.Exchanges < 1 {
		return fmt.Errorf("exchanges must be positive, got %d", s.Exchanges)
	}
	if s.Jitter >= s.Turnaround {
		return fmt.Errorf("jitter %v must be less than turnaround %v", s.Jitter, s.Turnaround)
	}
	return nil
}

// remoteOffset separates the recipient's clock from the originator's.
const remoteOffset = 7_300_000_000

// generate writes the scenario as seen by the device named by Role.
func generate(w io.Writer, s scenario) error {
	if err := s.validate(); err != nil {
		return err
	}
	out, err := snoop.NewBTSnoopWriter(w, snoop.DatalinkH4)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))

	write := func(ts uint64, flags uint32, p packet.Packet) error {
		frame := append(append([]byte(nil), h4ACL...), packet.Encode(p)...)
		return out.WriteRecord(ts, flags, frame)
	}
	// Direction flags from the capturing device's point of view.
	sent, received := uint32(0), uint32(snoop.FlagReceived)

	flight := uint64(s.Flight.Microseconds())
	for i := 0; i < s.Exchanges; i++ {
		seq := uint32(i + 1)
		turnaround := s.Turnaround
		if s.Jitter > 0 {
			turnaround += time.Duration(rng.Int64N(int64(2*s.Jitter))) - s.Jitter
		}
		ta := uint64(turnaround.Microseconds())

		srcSent := s.Start + uint64(i)*uint64(s.Interval.Microseconds())
		destReceived := srcSent + flight + remoteOffset
		destSent := destReceived + ta
		srcReceived := destSent - remoteOffset + flight
		dropAckTime := s.DropEvery > 0 && (i+1)%s.DropEvery == 0

		data := &packet.Data{Src: s.Src, Dest: s.Dest, Sequence: seq}
		ack := &packet.Ack{Src: s.Src, Dest: s.Dest, Sequence: seq, DestReceived: destReceived}
		ackTime := &packet.AckTime{Src: s.Src, Dest: s.Dest, Sequence: seq, DestSent: destSent}

		if s.Role == "originator" {
			if err := write(srcSent, sent, data); err != nil {
				return err
			}
			if err := write(srcReceived, received, ack); err != nil {
				return err
			}
			if dropAckTime {
				continue
			}
			if err := write(srcReceived+1, received, ackTime); err != nil {
				return err
			}
			continue
		}

		if err := write(destReceived, received, data); err != nil {
			return err
		}
		if err := write(destSent, sent, ack); err != nil {
			return err
		}
		if dropAckTime {
			continue
		}
		if err := write(destSent+1, sent, ackTime); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	output := flag.String("o", "ranging.btsnoop", "output path")
	role := flag.String("role", "originator", "capturing device: originator or recipient")
	src := flag.Uint("src", 1, "originator address")
	dest := flag.Uint("dest", 2, "recipient address")
	n := flag.Int("n", 100, "number of exchanges")
	interval := flag.Duration("interval", 100*time.Millisecond, "time between exchanges")
	flight := flag.Duration("flight", 0, "one-way time of flight")
	turnaround := flag.Duration("turnaround", 300*time.Microsecond, "recipient turnaround")
	jitter := flag.Duration("jitter", 20*time.Microsecond, "turnaround jitter (±)")
	drop := flag.Int("drop-every", 0, "omit the AckTime of every Nth exchange")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	if *src > 255 || *dest > 255 {
		log.Fatalf("addresses must be between 0 and 255")
	}
	s := scenario{
		Role:       *role,
		Src:        uint8(*src),
		Dest:       uint8(*dest),
		Exchanges:  *n,
		Start:      uint64(time.Now().UnixMicro()),
		Interval:   *interval,
		Flight:     *flight,
		Turnaround: *turnaround,
		Jitter:     *jitter,
		DropEvery:  *drop,
		Seed:       *seed,
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *output, err)
	}
	if err := generate(f, s); err != nil {
		f.Close()
		log.Fatalf("failed to generate trace: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("failed to close %s: %v", *output, err)
	}
	log.Printf("wrote %d %s exchanges to %s", s.Exchanges, s.Role, *output)
}
