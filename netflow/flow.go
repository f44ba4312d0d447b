// Package netflow holds the data model shared by every layer of the
// reconstruction pipeline: flow identity, a single TCP segment, the egress
// event delivered to a handler, and the handler/sink interfaces used to wire
// reassemblers together.
package netflow

import (
	"fmt"
	"net/netip"
)

// FlowKey identifies one TCP connection by its four-tuple. It is immutable
// once created and directly usable as a map key.
type FlowKey struct {
	SrcAddr netip.Addr
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
}

// NewFlowKey builds the forward key for a segment travelling src -> dst.
func NewFlowKey(src netip.Addr, srcPort uint16, dst netip.Addr, dstPort uint16) FlowKey {
	return FlowKey{SrcAddr: src, SrcPort: srcPort, DstAddr: dst, DstPort: dstPort}
}

// Reverse returns the key as seen from the other endpoint.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{SrcAddr: k.DstAddr, SrcPort: k.DstPort, DstAddr: k.SrcAddr, DstPort: k.SrcPort}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d", k.SrcAddr, k.SrcPort, k.DstAddr, k.DstPort)
}

// IPHeader carries the two endpoint addresses a segment travelled between.
// It is intentionally narrower than a real IP header: the core only ever
// needs the addresses, never TTL/options/fragmentation state, all of which
// belong to the capture-decoding collaborator.
type IPHeader struct {
	Src netip.Addr
	Dst netip.Addr
}
