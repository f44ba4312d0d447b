// Package demux fans TCP segments out to one reassembler per flow (spec
// §4.1): new flows are created from a bare SYN, existing flows are found by
// forward or reverse four-tuple lookup, and each flow's protocol handler is
// chosen by port with a "generic" fallback.
package demux

import (
	"github.com/packetloom/streamcap/neterr"
	"github.com/packetloom/streamcap/netflow"
	"github.com/packetloom/streamcap/printer"
	"github.com/packetloom/streamcap/tcpstream"
)

// GenericPort is the fallback factory slot consulted when neither of a
// flow's ports has a dedicated handler registered.
const GenericPort = -1

// HandlerFactory builds a fresh protocol Handler for a newly observed flow.
// The returned Handler's own parent is wired up by Demux once, at creation
// time, to the Demux's parent sink (spec §4.1's "parent-pointer chain").
type HandlerFactory func(flow netflow.FlowKey) netflow.Handler

// Demux dispatches segments to per-flow tcpstream.Reassemblers, selecting
// each flow's downstream Handler by port when the flow is first created.
type Demux struct {
	factories map[int]HandlerFactory
	parent    netflow.EventSink
	errs      *neterr.Policy
	log       printer.P
	observer  func(netflow.FlowKey, netflow.Segment)

	flows map[netflow.FlowKey]*tcpstream.Reassembler
}

// New returns a Demux that delivers fully reassembled (and, transitively,
// decrypted) events to parent.
func New(parent netflow.EventSink, errs *neterr.Policy) *Demux {
	if errs == nil {
		errs = neterr.NewPolicy(false)
	}
	return &Demux{
		factories: map[int]HandlerFactory{},
		parent:    parent,
		errs:      errs,
		log:       printer.Stderr,
		flows:     map[netflow.FlowKey]*tcpstream.Reassembler{},
	}
}

// SetObserver registers a callback invoked with every segment's raw
// four-tuple and metadata before it's handed to the flow's reassembler, so
// a caller can track connection-level lifecycle (connmeta.Tracker) without
// sitting in the reassembled-event path.
func (d *Demux) SetObserver(observer func(netflow.FlowKey, netflow.Segment)) {
	d.observer = observer
}

// SetLogger overrides the default logger (printer.Stderr).
func (d *Demux) SetLogger(p printer.P) {
	if p != nil {
		d.log = p
	}
}

// Register binds factory to port. Passing GenericPort registers the
// fallback used when neither of a flow's ports is otherwise registered.
func (d *Demux) Register(port int, factory HandlerFactory) {
	d.factories[port] = factory
}

// factoryFor selects a flow's handler factory by destination port, then
// source port, then the generic fallback.
func (d *Demux) factoryFor(flow netflow.FlowKey) (HandlerFactory, bool) {
	if f, ok := d.factories[int(flow.DstPort)]; ok {
		return f, true
	}
	if f, ok := d.factories[int(flow.SrcPort)]; ok {
		return f, true
	}
	if f, ok := d.factories[GenericPort]; ok {
		return f, true
	}
	return nil, false
}

// passthrough is the Handler installed when no factory is registered at all
// (not even "generic"); it forwards events upward unchanged, so the flow
// still has somewhere to go instead of being silently dropped.
type passthrough struct {
	parent netflow.EventSink
}

func (p *passthrough) HandleEvent(e netflow.Event) error {
	if p.parent == nil {
		return nil
	}
	return p.parent.HandleEvent(e)
}
func (p *passthrough) SetParent(s netflow.EventSink) { p.parent = s }
func (p *passthrough) Parent() netflow.EventSink     { return p.parent }

func (d *Demux) newHandler(flow netflow.FlowKey) netflow.Handler {
	factory, ok := d.factoryFor(flow)
	var handler netflow.Handler
	if ok {
		handler = factory(flow)
	}
	if handler == nil {
		d.log.Warningf("no handler registered for flow %s; passing reassembled data straight through\n", flow)
		handler = &passthrough{}
	}
	root := netflow.Root(handler)
	if root.Parent() == nil {
		root.SetParent(d.parent)
	}
	return handler
}

// Process routes one segment, creating a new flow's reassembler chain when
// seg is a bare SYN for a four-tuple not yet seen. Segments for neither a
// known forward nor reverse flow are dropped with a warning, matching the
// original's "unknown stream" log line.
func (d *Demux) Process(flow netflow.FlowKey, seg netflow.Segment) error {
	if d.observer != nil {
		d.observer(flow, seg)
	}

	if _, ok := d.flows[flow]; !ok && seg.Flags == netflow.FlagSYN {
		d.flows[flow] = tcpstream.New(flow, d.newHandler(flow), d.errs)
	}

	if r, ok := d.flows[flow]; ok {
		return r.Process(seg, true)
	}
	rev := flow.Reverse()
	if r, ok := d.flows[rev]; ok {
		return r.Process(seg, false)
	}
	d.log.Warningf("segment for unknown stream %s\n", flow)
	return nil
}

// Finish flushes every tracked flow's trailing pair.
func (d *Demux) Finish() error {
	for _, r := range d.flows {
		if err := r.Finish(); err != nil {
			return err
		}
	}
	return nil
}
