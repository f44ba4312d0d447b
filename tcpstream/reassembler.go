// Package tcpstream implements the per-flow TCP reassembly state machine:
// it stitches segments back into ordered byte streams, deduplicates
// retransmissions, and emits request/response pairs to a parent handler
// whenever the traffic direction flips.
package tcpstream

import (
	"bytes"
	"strings"
	"time"

	"github.com/packetloom/streamcap/neterr"
	"github.com/packetloom/streamcap/netflow"
	"github.com/packetloom/streamcap/printer"
)

// State is one of the six phases of a TCP connection's lifecycle this
// reassembler tracks.
type State int

const (
	StateInitSyn State = iota
	StateInitSynAck
	StateInitAck
	StateConn
	StateConnFinish
	StateConnClosed
)

func (s State) String() string {
	switch s {
	case StateInitSyn:
		return "init_syn"
	case StateInitSynAck:
		return "init_syn_ack"
	case StateInitAck:
		return "init_ack"
	case StateConn:
		return "conn"
	case StateConnFinish:
		return "conn_finish"
	case StateConnClosed:
		return "conn_closed"
	default:
		return "unknown"
	}
}

// segKey indexes a stored segment, either by (seq, ack) at insertion time
// ("origins") or by (seqEnd, ack) for release-on-ACK ("pending").
type segKey struct {
	Seq uint32
	Ack uint32
}

type storedSegment struct {
	Payload   []byte
	Timestamp time.Time
}

// Reassembler is a single TCP flow's reconstruction state machine (spec
// §4.2). One is created per flow by the demultiplexer and never shared.
type Reassembler struct {
	flow  netflow.FlowKey
	state State

	cliNextSeq *uint32
	srvNextSeq *uint32

	// pending is keyed by a segment's end sequence; origins maps a
	// segment's start sequence to its end, so a retransmission can be
	// recognized from either end of the arithmetic.
	pending map[segKey]storedSegment
	origins map[segKey]segKey

	sentBuf bytes.Buffer
	recvBuf bytes.Buffer
	pairTS  *time.Time

	parent netflow.EventSink
	errs   *neterr.Policy
	log    printer.P
}

// New creates a Reassembler in the initial InitSyn state, bound to parent
// for event delivery.
func New(flow netflow.FlowKey, parent netflow.EventSink, errs *neterr.Policy) *Reassembler {
	if errs == nil {
		errs = neterr.NewPolicy(false)
	}
	return &Reassembler{
		flow:    flow,
		state:   StateInitSyn,
		pending: map[segKey]storedSegment{},
		origins: map[segKey]segKey{},
		parent:  parent,
		errs:    errs,
		log:     printer.Stderr,
	}
}

// SetLogger overrides the default logger (printer.Stderr); used by tests
// that want a quiet or captured sink.
func (r *Reassembler) SetLogger(p printer.P) {
	if p != nil {
		r.log = p
	}
}

// State reports the reassembler's current phase, mostly for tests.
func (r *Reassembler) State() State { return r.state }

// Process feeds one segment into the state machine, dispatching by current
// state the way the per-state handler table in spec §9 describes.
func (r *Reassembler) Process(seg netflow.Segment, toServer bool) error {
	switch r.state {
	case StateInitSyn:
		return r.stateInitSyn(seg, toServer)
	case StateInitSynAck:
		return r.stateInitSynAck(seg, toServer)
	case StateInitAck:
		return r.stateInitAck(seg, toServer)
	case StateConn:
		return r.stateConn(seg, toServer)
	case StateConnFinish:
		return r.stateConnFinish(seg, toServer)
	case StateConnClosed:
		return r.stateConnClosed(seg, toServer)
	default:
		return nil
	}
}

func (r *Reassembler) reportErr(seg netflow.Segment, err error) error {
	return r.errs.Handle(seg.Timestamp, err)
}

// Finish flushes any in-flight pair and warns about segments that were
// never released, mirroring spec §4.2's finish() behavior.
func (r *Reassembler) Finish() error {
	if r.sentBuf.Len() > 0 || r.recvBuf.Len() > 0 {
		if err := r.flushPair(); err != nil {
			return err
		}
	}
	if len(r.pending) > 0 {
		tss := make([]string, 0, len(r.pending))
		for _, s := range r.pending {
			tss = append(tss, s.Timestamp.Format(time.RFC3339Nano))
		}
		r.log.Warningf(
			"flow %s finished with %d segment(s) still pending, likely sent then "+
				"retransmitted with an extended length and acknowledged before the "+
				"retransmission arrived (timestamps %s)\n",
			r.flow, len(r.pending), strings.Join(tss, " "),
		)
	}
	return nil
}

func (r *Reassembler) flushPair() error {
	ts := time.Time{}
	if r.pairTS != nil {
		ts = *r.pairTS
	}
	ev := netflow.Event{
		Flow:      r.flow,
		Timestamp: ts,
		Protocol:  netflow.ProtocolTCP,
		Sent:      r.sentBuf.Bytes(),
		Recv:      r.recvBuf.Bytes(),
	}
	r.sentBuf = bytes.Buffer{}
	r.recvBuf = bytes.Buffer{}
	r.pairTS = nil
	if r.parent == nil {
		return nil
	}
	return r.parent.HandleEvent(ev)
}

// ackRelease drains every contiguous stored segment ending at (seq, ack),
// walking backward toward lower sequence numbers, and appends the released
// bytes (in order) to the sent or recv accumulator.
func (r *Reassembler) ackRelease(seq, ack uint32, toServer bool) {
	var released []storedSegment
	for {
		k := segKey{Seq: seq, Ack: ack}
		s, ok := r.pending[k]
		if !ok {
			break
		}
		delete(r.pending, k)
		released = append([]storedSegment{s}, released...)
		seq -= uint32(len(s.Payload))
		delete(r.origins, segKey{Seq: seq, Ack: ack})
	}
	if r.pairTS == nil && len(released) > 0 {
		ts := released[0].Timestamp
		r.pairTS = &ts
	}
	for _, s := range released {
		if toServer {
			r.sentBuf.Write(s.Payload)
		} else {
			r.recvBuf.Write(s.Payload)
		}
	}
}

func (r *Reassembler) reportRetransmission(seg netflow.Segment, dup storedSegment) {
	if len(dup.Payload) != len(seg.Payload) {
		r.log.Warningf(
			"retransmission with a different size on %s: %d vs %d bytes (timestamps %s vs %s)\n",
			r.flow, len(dup.Payload), len(seg.Payload), dup.Timestamp, seg.Timestamp,
		)
	} else {
		r.log.Debugf("retransmission with the same size on %s: %d bytes\n", r.flow, len(seg.Payload))
	}
}

// --- state handlers -------------------------------------------------------

func (r *Reassembler) stateInitSyn(seg netflow.Segment, toServer bool) error {
	if seg.Flags.Has(netflow.FlagRST) {
		// A dead host replying RST to our SYN; stay put for a retry.
		return nil
	}
	if !toServer {
		return r.reportErr(seg, &neterr.InvalidTcpPacketOrder{Flow: r.flow, Segment: seg})
	}
	if seg.Flags != netflow.FlagSYN {
		return r.reportErr(seg, &neterr.InvalidTcpPacketOrder{Flow: r.flow, Segment: seg})
	}
	if len(seg.Payload) > 0 {
		return r.reportErr(seg, &neterr.UnexpectedTcpData{Flow: r.flow, Segment: seg})
	}
	seq := seg.Seq
	r.cliNextSeq = &seq
	r.state = StateInitSynAck
	return nil
}

func (r *Reassembler) stateInitSynAck(seg netflow.Segment, toServer bool) error {
	if toServer && seg.Flags == netflow.FlagSYN {
		// Client retransmitted the SYN; server hasn't replied yet.
		return nil
	}
	if seg.Flags.Has(netflow.FlagRST) {
		r.state = StateInitSyn
		return nil
	}
	if toServer && seg.Flags == netflow.FlagACK {
		cli, srv := seg.Seq, seg.Ack
		r.cliNextSeq, r.srvNextSeq = &cli, &srv
		r.state = StateInitAck
		return r.stateInitAck(seg, toServer)
	}
	if !toServer && seg.Flags == netflow.FlagACK {
		r.log.Warningf("server replied with a bare ACK to our SYN on %s\n", r.flow)
		return nil
	}
	if toServer && seg.Flags.Has(netflow.FlagACK) && len(seg.Payload) > 0 {
		r.log.Warningf("missed the SYN-ACK/ACK handshake, proceeding straight to data on %s\n", r.flow)
		cli, srv := seg.Seq, seg.Ack
		r.cliNextSeq, r.srvNextSeq = &cli, &srv
		r.state = StateConn
		return r.stateConn(seg, toServer)
	}
	if !toServer && seg.Flags == (netflow.FlagPSH|netflow.FlagACK) {
		r.state = StateInitSyn
		return nil
	}
	if toServer || seg.Flags != (netflow.FlagSYN|netflow.FlagACK) {
		return r.reportErr(seg, &neterr.InvalidTcpPacketOrder{Flow: r.flow, Segment: seg})
	}
	if len(seg.Payload) > 0 {
		return r.reportErr(seg, &neterr.UnexpectedTcpData{Flow: r.flow, Segment: seg})
	}
	cli := seg.Ack
	srv := seg.Seq + 1
	r.cliNextSeq, r.srvNextSeq = &cli, &srv
	r.state = StateInitAck
	return nil
}

func (r *Reassembler) stateInitAck(seg netflow.Segment, toServer bool) error {
	if toServer && seg.Flags == netflow.FlagSYN {
		return nil
	}
	if !toServer && (seg.Flags == (netflow.FlagSYN|netflow.FlagACK) || seg.Flags == netflow.FlagRST) {
		return nil
	}
	if toServer && seg.Flags == netflow.FlagRST {
		return nil
	}
	if !toServer {
		r.log.Warningf("server sent data on %s before the handshake ACK arrived\n", r.flow)
		return nil
	}
	if seg.Flags.Has(netflow.FlagACK) && len(seg.Payload) > 0 {
		r.state = StateConn
		return r.stateConn(seg, toServer)
	}
	if seg.Flags.Has(netflow.FlagFIN) {
		r.state = StateConnFinish
		return nil
	}
	if seg.Flags != netflow.FlagACK {
		return r.reportErr(seg, &neterr.InvalidTcpPacketOrder{Flow: r.flow, Segment: seg})
	}
	if r.cliNextSeq == nil || seg.Seq != *r.cliNextSeq || r.srvNextSeq == nil || seg.Ack != *r.srvNextSeq {
		return r.reportErr(seg, &neterr.UnknownTcpSequenceNumber{Flow: r.flow, Segment: seg})
	}
	if len(seg.Payload) > 0 {
		return r.reportErr(seg, &neterr.UnexpectedTcpData{Flow: r.flow, Segment: seg})
	}
	r.state = StateConn
	return nil
}

func (r *Reassembler) stateConn(seg netflow.Segment, toServer bool) error {
	if seg.Flags.Has(netflow.FlagACK) {
		r.ackRelease(seg.Ack, seg.Seq, !toServer)
	}
	if seg.Flags.Has(netflow.FlagRST) {
		r.state = StateConnClosed
		r.ackRelease(seg.Ack, seg.Seq-1, !toServer)
	}
	segEnd := seg.EndSeq()
	if seg.Flags.Has(netflow.FlagFIN) {
		r.state = StateConnFinish
		next := segEnd + 1
		if toServer {
			r.cliNextSeq = &next
		} else {
			r.srvNextSeq = &next
		}
	}
	if len(seg.Payload) == 0 {
		return nil
	}
	if toServer && r.recvBuf.Len() > 0 {
		if err := r.flushPair(); err != nil {
			return err
		}
	}
	originKey := segKey{Seq: seg.Seq, Ack: seg.Ack}
	pendKey := segKey{Seq: segEnd, Ack: seg.Ack}

	if dup, ok := r.pending[pendKey]; ok {
		r.reportRetransmission(seg, dup)
		return nil
	}
	if target, ok := r.origins[originKey]; ok {
		if dup, ok2 := r.pending[target]; ok2 {
			r.reportRetransmission(seg, dup)
			return nil
		}
	}
	r.origins[originKey] = pendKey
	r.pending[pendKey] = storedSegment{
		Payload:   append([]byte(nil), seg.Payload...),
		Timestamp: seg.Timestamp,
	}
	return nil
}

func (r *Reassembler) stateConnClosed(seg netflow.Segment, toServer bool) error {
	if err := r.stateConn(seg, toServer); err != nil {
		return err
	}
	r.ackRelease(seg.EndSeq(), seg.Ack, toServer)
	return nil
}

func (r *Reassembler) stateConnFinish(seg netflow.Segment, toServer bool) error {
	cliMatches := r.cliNextSeq != nil && *r.cliNextSeq == seg.Ack
	srvMatches := r.srvNextSeq != nil && *r.srvNextSeq == seg.Ack
	if !cliMatches && !srvMatches {
		// Still acknowledging data sent before the FIN.
		return r.stateConn(seg, toServer)
	}
	if seg.Flags.Has(netflow.FlagACK) {
		adjusted := seg
		adjusted.Ack = seg.Ack - 1
		if toServer {
			if !srvMatches {
				return r.reportErr(seg, &neterr.InvalidTcpPacketOrder{Flow: r.flow, Segment: seg})
			}
			if err := r.stateConn(adjusted, toServer); err != nil {
				return err
			}
			r.srvNextSeq = nil
		} else {
			if !cliMatches {
				return r.reportErr(seg, &neterr.InvalidTcpPacketOrder{Flow: r.flow, Segment: seg})
			}
			if err := r.stateConn(adjusted, toServer); err != nil {
				return err
			}
			r.cliNextSeq = nil
		}
	}
	if seg.Flags.Has(netflow.FlagFIN) {
		next := seg.Seq + 1
		if toServer {
			r.cliNextSeq = &next
		} else {
			r.srvNextSeq = &next
		}
	}
	return nil
}
