// Package neterr holds the error taxonomy raised by the reconstruction
// pipeline (spec §7) and the raise/collect toggle that governs whether they
// surface to the caller or are captured for later inspection.
package neterr

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/packetloom/streamcap/netflow"
)

// InvalidTcpPacketOrder means a segment's flags are inconsistent with the
// reassembler's current state. Non-fatal: the segment is dropped.
type InvalidTcpPacketOrder struct {
	Flow    netflow.FlowKey
	Segment netflow.Segment
}

func (e *InvalidTcpPacketOrder) Error() string {
	return fmt.Sprintf("invalid TCP packet order on %s: flags=%s seq=%d ack=%d",
		e.Flow, e.Segment.Flags, e.Segment.Seq, e.Segment.Ack)
}

// UnknownTcpSequenceNumber means a handshake ACK referenced a seq/ack pair
// the reassembler never observed.
type UnknownTcpSequenceNumber struct {
	Flow    netflow.FlowKey
	Segment netflow.Segment
}

func (e *UnknownTcpSequenceNumber) Error() string {
	return fmt.Sprintf("unknown TCP sequence number on %s: seq=%d ack=%d",
		e.Flow, e.Segment.Seq, e.Segment.Ack)
}

// UnexpectedTcpData means payload arrived where the handshake forbids it.
type UnexpectedTcpData struct {
	Flow    netflow.FlowKey
	Segment netflow.Segment
}

func (e *UnexpectedTcpData) Error() string {
	return fmt.Sprintf("unexpected TCP data on %s: %d bytes during handshake",
		e.Flow, len(e.Segment.Payload))
}

// UnknownDatalink, UnknownEthernetProtocol and UnknownIpProtocol are raised
// by the packet source (spec §7); the core never raises them itself, but
// they share the same raise/collect policy.
type UnknownDatalink struct{ Datalink int }

func (e *UnknownDatalink) Error() string { return fmt.Sprintf("unknown datalink type %d", e.Datalink) }

type UnknownEthernetProtocol struct{ EtherType uint16 }

func (e *UnknownEthernetProtocol) Error() string {
	return fmt.Sprintf("unknown ethernet protocol 0x%04x", e.EtherType)
}

type UnknownIpProtocol struct{ Protocol uint8 }

func (e *UnknownIpProtocol) Error() string {
	return fmt.Sprintf("unknown IP protocol %d", e.Protocol)
}

// Policy implements the raise_exceptions toggle from spec §7: with
// RaiseExceptions set, Handle returns the error wrapped with a stack trace
// (errors.WithStack) so the caller can propagate it; otherwise the error is filed away under the timestamp it
// occurred at and Handle returns nil so processing continues.
type Policy struct {
	RaiseExceptions bool

	mu     sync.Mutex
	errors map[time.Time][]error
}

// NewPolicy returns a Policy with an empty collection map.
func NewPolicy(raiseExceptions bool) *Policy {
	return &Policy{RaiseExceptions: raiseExceptions, errors: map[time.Time][]error{}}
}

// Handle records or surfaces err, depending on RaiseExceptions. A nil err is
// always a no-op.
func (p *Policy) Handle(ts time.Time, err error) error {
	if err == nil {
		return nil
	}
	if p.RaiseExceptions {
		return errors.WithStack(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors[ts] = append(p.errors[ts], err)
	return nil
}

// Errors returns a snapshot of every collected error, indexed by timestamp.
func (p *Policy) Errors() map[time.Time][]error {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[time.Time][]error, len(p.errors))
	for ts, errs := range p.errors {
		cp := make([]error, len(errs))
		copy(cp, errs)
		out[ts] = cp
	}
	return out
}
