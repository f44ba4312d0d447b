package pcap

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/packetloom/streamcap/neterr"
	"github.com/packetloom/streamcap/netflow"
)

func TestDecodeTCPSynProducesExpectedFlowAndSegment(t *testing.T) {
	pkt := CreateTCPSYN(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 51234, 80, 1000)

	var got []netflow.Segment
	var gotFlow netflow.FlowKey
	dec := NewDecoder(func(flow netflow.FlowKey, seg netflow.Segment) error {
		gotFlow = flow
		got = append(got, seg)
		return nil
	}, nil)

	require.NoError(t, dec.Decode(pkt))
	require.Len(t, got, 1)
	require.True(t, got[0].Flags.Has(netflow.FlagSYN))
	require.Equal(t, uint32(1000), got[0].Seq)

	wantFlow := netflow.NewFlowKey(netip.MustParseAddr("10.0.0.1"), 51234, netip.MustParseAddr("10.0.0.2"), 80)
	require.Equal(t, wantFlow, gotFlow)
}

func TestDecodeWithPayloadCarriesItThrough(t *testing.T) {
	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	pkt := CreatePacketWithSeq(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 51234, 80, payload, 1001)

	var got netflow.Segment
	dec := NewDecoder(func(flow netflow.FlowKey, seg netflow.Segment) error {
		got = seg
		return nil
	}, nil)

	require.NoError(t, dec.Decode(pkt))
	require.Equal(t, payload, got.Payload)
}

func TestDecodeUDPPacketIsIgnoredNotErrored(t *testing.T) {
	pkt := CreateUDPPacket(net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2"), 5000, 53, []byte("query"))

	called := false
	dec := NewDecoder(func(flow netflow.FlowKey, seg netflow.Segment) error {
		called = true
		return nil
	}, nil)

	require.NoError(t, dec.Decode(pkt))
	require.False(t, called, "UDP traffic is out of scope and should neither be forwarded nor raised as an error")
}

func TestDecodeCollectsErrorsInsteadOfRaisingWhenPolicyIsNonFatal(t *testing.T) {
	// A bare Ethernet frame with no IP payload has a link layer but no
	// network layer gopacket recognizes, exercising the
	// UnknownEthernetProtocol path.
	ethOnly := []byte{
		0xBD, 0xBD, 0xBD, 0xBD, 0xBD, 0xBD, // dst MAC
		0xFF, 0xAA, 0xFA, 0xAA, 0xFF, 0xAA, // src MAC
		0x88, 0xB5, // EtherType: IEEE 802.1 local experimental, unrecognized
	}
	pkt := gopacket.NewPacket(ethOnly, layers.LayerTypeEthernet, gopacket.Default)

	policy := neterr.NewPolicy(false)
	dec := NewDecoder(func(flow netflow.FlowKey, seg netflow.Segment) error {
		return nil
	}, policy)

	require.NoError(t, dec.Decode(pkt))
	require.NotEmpty(t, policy.Errors())
}
