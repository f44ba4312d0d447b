package pcap

import (
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"

	"github.com/packetloom/streamcap/demux"
	"github.com/packetloom/streamcap/neterr"
)

// dataSource is the surface pcapgo.Reader and pcapgo.NgReader both satisfy:
// gopacket.PacketDataSource plus the LinkType a gopacket.PacketSource needs
// as its decoder.
type dataSource interface {
	gopacket.PacketDataSource
	LinkType() gopacket.LinkType
}

func openCaptureFile(f *os.File) (dataSource, error) {
	if ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions); err == nil {
		return ng, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return pcapgo.NewReader(f)
}

// Replay reads every packet from the capture file at path, in order, decodes
// it, and feeds the result to d, finally calling d.Finish to flush every
// flow's trailing pair. It accepts both classic pcap and pcapng, trying
// pcapng first.
func Replay(path string, d *demux.Demux, errs *neterr.Policy) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open capture file %s", path)
	}
	defer f.Close()

	src, err := openCaptureFile(f)
	if err != nil {
		return errors.Wrapf(err, "failed to read capture file %s", path)
	}

	dec := NewDecoder(d.Process, errs)
	packets := gopacket.NewPacketSource(src, src.LinkType()).Packets()
	for pkt := range packets {
		if err := dec.Decode(pkt); err != nil {
			return err
		}
	}
	return d.Finish()
}
