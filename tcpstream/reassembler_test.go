package tcpstream

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/packetloom/streamcap/neterr"
	"github.com/packetloom/streamcap/netflow"
	"github.com/packetloom/streamcap/printer"
)

func testFlow() netflow.FlowKey {
	return netflow.NewFlowKey(
		netip.MustParseAddr("10.0.0.1"), 51234,
		netip.MustParseAddr("93.184.216.34"), 80,
	)
}

type recordingSink struct {
	events []netflow.Event
}

func (s *recordingSink) HandleEvent(e netflow.Event) error {
	s.events = append(s.events, e)
	return nil
}

func seg(ts int, seq, ack uint32, flags netflow.Flags, payload string) netflow.Segment {
	return netflow.Segment{
		Timestamp: time.Unix(int64(ts), 0),
		Seq:       seq,
		Ack:       ack,
		Flags:     flags,
		Payload:   []byte(payload),
	}
}

// TestCleanHandshakeAndRequestResponse walks a textbook SYN/SYN-ACK/ACK
// handshake followed by one HTTP request and one HTTP response, and expects
// exactly one emitted pair once the response is acknowledged by the next
// client segment.
func TestCleanHandshakeAndRequestResponse(t *testing.T) {
	flow := testFlow()
	sink := &recordingSink{}
	r := New(flow, sink, nil)

	require.NoError(t, r.Process(seg(0, 1000, 0, netflow.FlagSYN, ""), true))
	require.Equal(t, StateInitSynAck, r.State())

	require.NoError(t, r.Process(seg(0, 5000, 1001, netflow.FlagSYN|netflow.FlagACK, ""), false))
	require.Equal(t, StateInitAck, r.State())

	require.NoError(t, r.Process(seg(0, 1001, 5001, netflow.FlagACK, ""), true))
	require.Equal(t, StateConn, r.State())

	require.NoError(t, r.Process(seg(1, 1001, 5001, netflow.FlagPSH|netflow.FlagACK, "GET / HTTP/1.0\r\n\r\n"), true))
	require.Len(t, sink.events, 0, "request alone must not flush until a response completes the pair")

	resp := "HTTP/1.0 200 OK\r\n\r\nhello"
	require.NoError(t, r.Process(seg(2, 5001, 1019, netflow.FlagPSH|netflow.FlagACK, resp), false))
	require.Len(t, sink.events, 0, "response must sit until the next client segment flips direction")

	require.NoError(t, r.Process(seg(3, 1019, uint32(5001+len(resp)), netflow.FlagPSH|netflow.FlagACK, "GET /2 HTTP/1.0\r\n\r\n"), true))
	require.Len(t, sink.events, 1)

	got := sink.events[0]
	if diff := cmp.Diff("GET / HTTP/1.0\r\n\r\n", string(got.Sent)); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(resp, string(got.Recv)); diff != "" {
		t.Errorf("recv mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, netflow.ProtocolTCP, got.Protocol)
	require.Equal(t, time.Unix(1, 0), got.Timestamp, "pair timestamp must come from the first data byte (the GET), not the SYN")
}

// TestRetransmissionSameSizeIsDeduped verifies a byte-identical retransmit is
// dropped rather than counted twice.
func TestRetransmissionSameSizeIsDeduped(t *testing.T) {
	flow := testFlow()
	sink := &recordingSink{}
	r := New(flow, sink, nil)
	r.state = StateConn
	cli, srv := uint32(1001), uint32(5001)
	r.cliNextSeq, r.srvNextSeq = &cli, &srv

	require.NoError(t, r.Process(seg(1, 1001, 5001, netflow.FlagACK, "GET / HTTP/1.0\r\n\r\n"), true))
	require.NoError(t, r.Process(seg(2, 1001, 5001, netflow.FlagACK, "GET / HTTP/1.0\r\n\r\n"), true))
	require.Len(t, r.pending, 1, "a same-size retransmission must not create a second pending entry")
}

// TestRetransmissionDifferentSizeIsDedupedAndWarned covers a retransmission
// that extends the original payload; it should still be recognized as the
// same logical segment (spec §8) rather than accepted as new data.
func TestRetransmissionDifferentSizeIsDedupedAndWarned(t *testing.T) {
	flow := testFlow()
	sink := &recordingSink{}
	r := New(flow, sink, nil)
	var logBuf bytes.Buffer
	r.SetLogger(printer.NewP(&logBuf))
	r.state = StateConn
	cli, srv := uint32(1001), uint32(5001)
	r.cliNextSeq, r.srvNextSeq = &cli, &srv

	require.NoError(t, r.Process(seg(1, 1001, 5001, netflow.FlagACK, "GET / HTTP/1.0\r\n\r\n"), true))
	require.NoError(t, r.Process(seg(2, 1001, 5001, netflow.FlagACK, "GET / HTTP/1.0\r\nX-Extra: 1\r\n\r\n"), true))
	require.Len(t, r.pending, 1)
	require.Contains(t, logBuf.String(), "retransmission with a different size")
}

// TestOutOfOrderDataIsReleasedOnAck checks that a segment arriving before its
// predecessor is held in pending/origins until the earlier segment's ACK
// closes the gap.
func TestOutOfOrderDataIsReleasedOnAck(t *testing.T) {
	flow := testFlow()
	sink := &recordingSink{}
	r := New(flow, sink, nil)
	r.state = StateConn
	cli, srv := uint32(1001), uint32(5001)
	r.cliNextSeq, r.srvNextSeq = &cli, &srv

	// Second half of the request ("\r\n\r\n", seq 1015-1019) arrives first.
	require.NoError(t, r.Process(seg(1, 1015, 5001, netflow.FlagACK, "\r\n\r\n"), true))
	require.Len(t, r.pending, 1)

	// First half ("GET / HTTP/1.0", seq 1001-1015) arrives next; both pieces
	// sit in pending until the server's ACK closes the gap.
	require.NoError(t, r.Process(seg(2, 1001, 5001, netflow.FlagACK, "GET / HTTP/1.0"), true))
	require.Len(t, r.pending, 2)

	require.NoError(t, r.Process(seg(3, 5001, 1019, netflow.FlagACK, ""), false))
	require.Equal(t, "GET / HTTP/1.0\r\n\r\n", r.sentBuf.String())
	require.Len(t, r.pending, 0)
}

// TestDeadHostResetReturnsToInitSyn covers the RST-before-handshake case.
func TestDeadHostResetReturnsToInitSyn(t *testing.T) {
	flow := testFlow()
	r := New(flow, &recordingSink{}, nil)

	require.NoError(t, r.Process(seg(0, 1000, 0, netflow.FlagSYN, ""), true))
	require.NoError(t, r.Process(seg(1, 0, 1001, netflow.FlagRST, ""), false))
	require.Equal(t, StateInitSyn, r.State())
}

// TestServerFirstIsInvalidOrder covers a server segment arriving before any
// client SYN.
func TestServerFirstIsInvalidOrder(t *testing.T) {
	flow := testFlow()
	policy := neterr.NewPolicy(false)
	r := New(flow, &recordingSink{}, policy)

	err := r.Process(seg(0, 5000, 0, netflow.FlagSYN|netflow.FlagACK, ""), false)
	require.NoError(t, err, "default policy collects rather than raising")
	require.Equal(t, StateInitSyn, r.State())
	require.Len(t, policy.Errors(), 1)
}

// TestFinishFlushesTrailingPair ensures a connection that ends mid-exchange
// still emits whatever pair had accumulated.
func TestFinishFlushesTrailingPair(t *testing.T) {
	flow := testFlow()
	sink := &recordingSink{}
	r := New(flow, sink, nil)
	r.state = StateConn
	cli, srv := uint32(1001), uint32(5001)
	r.cliNextSeq, r.srvNextSeq = &cli, &srv

	require.NoError(t, r.Process(seg(1, 1001, 5001, netflow.FlagACK, "GET / HTTP/1.0\r\n\r\n"), true))
	require.NoError(t, r.Process(seg(2, 5001, 1019, netflow.FlagACK, ""), false))
	require.NoError(t, r.Finish())
	require.Len(t, sink.events, 1)
	require.Equal(t, "GET / HTTP/1.0\r\n\r\n", string(sink.events[0].Sent))
}
