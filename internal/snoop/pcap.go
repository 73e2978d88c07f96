package snoop

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/ranging.report/internal/monitoring"
	"github.com/banshee-data/ranging.report/internal/timeutil"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// LinkTypeBluetoothHCIH4WithPhdr is LINKTYPE_BLUETOOTH_HCI_H4_WITH_PHDR, the
// link type Wireshark uses for HCI captures. gopacket has no constant for it.
const LinkTypeBluetoothHCIH4WithPhdr layers.LinkType = 201

// PCAPSource reads capture records from a pcap or pcapng file, such as a
// Wireshark capture of the controller's HCI traffic
// (LinkTypeBluetoothHCIH4WithPhdr). Capture timestamps become the local
// timestamps of the records.
type PCAPSource struct {
	packets  *gopacket.PacketSource
	linkType layers.LinkType
	closer   io.Closer
	count    int
}

// OpenPCAP opens a pcap or pcapng capture at path.
func OpenPCAP(path string) (*PCAPSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	src, err := NewPCAPSource(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	src.closer = f
	return src, nil
}

// NewPCAPSource detects the capture format from the magic number and returns
// a source reading from r.
func NewPCAPSource(r io.Reader) (*PCAPSource, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture magic: %w", err)
	}

	var (
		data     gopacket.PacketDataSource
		linkType layers.LinkType
	)
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to read pcapng header: %w", err)
		}
		data, linkType = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to read pcap header: %w", err)
		}
		data, linkType = pr, pr.LinkType()
	}

	ps := gopacket.NewPacketSource(data, linkType)
	ps.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	return &PCAPSource{packets: ps, linkType: linkType}, nil
}

// LinkType returns the capture's link type.
func (p *PCAPSource) LinkType() layers.LinkType { return p.linkType }

// Next returns the next captured packet. The whole packet is returned; the
// scanner locates ranging packets inside it regardless of encapsulation.
func (p *PCAPSource) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	pkt, err := p.packets.NextPacket()
	if err != nil {
		if err == io.EOF {
			monitoring.Logf("PCAP file reading complete: %d packets", p.count)
		}
		return Record{}, err
	}
	p.count++
	return Record{
		Timestamp: timeutil.Micros(pkt.Metadata().Timestamp),
		Data:      pkt.Data(),
	}, nil
}

// Close closes the capture file when the source was opened by path.
func (p *PCAPSource) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}
