package pcap

import (
	"github.com/pkg/errors"

	"github.com/packetloom/streamcap/demux"
	"github.com/packetloom/streamcap/neterr"
)

// Capture reads packets from a live interface until stop is closed, decoding
// and feeding each one to d the same way Replay does for a file.
func Capture(stop <-chan struct{}, interfaceName, bpfFilter string, d *demux.Demux, errs *neterr.Policy) error {
	p := &pcapImpl{}
	packets, err := p.capturePackets(stop, interfaceName, bpfFilter)
	if err != nil {
		return errors.Wrapf(err, "failed to begin capturing packets from %s", interfaceName)
	}

	dec := NewDecoder(d.Process, errs)
	for pkt := range packets {
		if err := dec.Decode(pkt); err != nil {
			return err
		}
	}
	return d.Finish()
}
