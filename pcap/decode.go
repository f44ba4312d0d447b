package pcap

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/packetloom/streamcap/neterr"
	"github.com/packetloom/streamcap/netflow"
)

// Decoder turns captured packets into netflow primitives and feeds them to
// Sink, applying errs the way original_source/httpreplay/reader.py's
// PcapReader.process does: a packet gopacket couldn't decode at all, an
// ethertype it has no IPv4/IPv6/ARP layer for, or an IP protocol number it
// has no TCP/UDP/ICMP/IGMP layer for, either raises or is collected per
// errs.RaiseExceptions; everything else that simply isn't a TCP segment is
// ignored outright.
type Decoder struct {
	Sink func(flow netflow.FlowKey, seg netflow.Segment) error
	Errs *neterr.Policy
}

// NewDecoder returns a Decoder delivering segments to sink.
func NewDecoder(sink func(flow netflow.FlowKey, seg netflow.Segment) error, errs *neterr.Policy) *Decoder {
	if errs == nil {
		errs = neterr.NewPolicy(false)
	}
	return &Decoder{Sink: sink, Errs: errs}
}

// Decode processes one captured packet.
func (d *Decoder) Decode(pkt gopacket.Packet) error {
	ts := pkt.Metadata().Timestamp

	if pkt.LinkLayer() == nil {
		return d.Errs.Handle(ts, &neterr.UnknownDatalink{})
	}

	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		if pkt.Layer(layers.LayerTypeARP) != nil {
			return nil
		}
		return d.Errs.Handle(ts, &neterr.UnknownEthernetProtocol{})
	}

	var src, dst netip.Addr
	switch l := netLayer.(type) {
	case *layers.IPv4:
		src, _ = netip.AddrFromSlice(l.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(l.DstIP.To4())
	case *layers.IPv6:
		src, _ = netip.AddrFromSlice(l.SrcIP.To16())
		dst, _ = netip.AddrFromSlice(l.DstIP.To16())
	default:
		return d.Errs.Handle(ts, &neterr.UnknownEthernetProtocol{})
	}

	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		if pkt.TransportLayer() == nil &&
			pkt.Layer(layers.LayerTypeICMPv4) == nil &&
			pkt.Layer(layers.LayerTypeICMPv6) == nil &&
			pkt.Layer(layers.LayerTypeIGMP) == nil {
			return d.Errs.Handle(ts, &neterr.UnknownIpProtocol{})
		}
		// UDP, ICMP, IGMP: recognized, just out of scope for this module.
		return nil
	}
	tcp := tcpLayer.(*layers.TCP)

	flow := netflow.NewFlowKey(src, uint16(tcp.SrcPort), dst, uint16(tcp.DstPort))
	seg := netflow.Segment{
		Timestamp: ts,
		Seq:       tcp.Seq,
		Ack:       tcp.Ack,
		Flags:     flagsOf(tcp),
		Payload:   tcp.LayerPayload(),
	}
	return d.Sink(flow, seg)
}

func flagsOf(tcp *layers.TCP) netflow.Flags {
	var f netflow.Flags
	if tcp.SYN {
		f |= netflow.FlagSYN
	}
	if tcp.ACK {
		f |= netflow.FlagACK
	}
	if tcp.FIN {
		f |= netflow.FlagFIN
	}
	if tcp.RST {
		f |= netflow.FlagRST
	}
	if tcp.PSH {
		f |= netflow.FlagPSH
	}
	return f
}
