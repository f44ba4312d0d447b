package netflow

import "time"

// Protocol tags an egress Event with the layer that produced it.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolTLS Protocol = "tls"
)

// TLSInfo accompanies a "tls" Event. tlsstream sets all four fingerprint
// fields on every Event it emits: both hellos have already parsed by then,
// and a GREASE-only list only leaves its field of the parameter string empty.
type TLSInfo struct {
	JA3         *string
	JA3S        *string
	JA3Params   *string
	JA3SParams  *string
	ClientHello interface{}
	ServerHello interface{}
}

// Event is the egress record described in spec §6: one request/response pair
// (protocol "tcp") or one decrypted pair plus fingerprint info (protocol
// "tls"), delivered in the order the underlying segments were observed.
type Event struct {
	Flow      FlowKey
	Timestamp time.Time
	Protocol  Protocol
	Sent      []byte
	Recv      []byte
	TLS       *TLSInfo
}

// EventSink is the "interface-typed handle" spec §9 asks for in place of the
// original's back-reference parent pointer: any stage of the pipeline that
// can receive events from the stage below implements it.
type EventSink interface {
	HandleEvent(Event) error
}

// EventSinkFunc adapts a plain function to an EventSink.
type EventSinkFunc func(Event) error

func (f EventSinkFunc) HandleEvent(e Event) error { return f(e) }

// Handler is an EventSink that can itself be spliced into a deeper chain: a
// TcpReassembler delivers "tcp" events to a Handler, which may be a
// TlsReassembler that in turn needs its own parent wired up once the flow is
// created (the demultiplexer's "parent-pointer chain", spec §4.1/§9).
type Handler interface {
	EventSink
	SetParent(EventSink)
	Parent() EventSink
}

// Forwarder is a Handler that passes every Event straight to its parent
// unchanged — the identity handler a demultiplexer installs for a flow whose
// protocol needs no further decoding below the TCP reassembly layer.
type Forwarder struct {
	parent EventSink
}

// NewForwarder returns a Forwarder with no parent set yet.
func NewForwarder() *Forwarder { return &Forwarder{} }

func (f *Forwarder) HandleEvent(e Event) error {
	if f.parent == nil {
		return nil
	}
	return f.parent.HandleEvent(e)
}
func (f *Forwarder) SetParent(p EventSink) { f.parent = p }
func (f *Forwarder) Parent() EventSink     { return f.parent }

// Root walks h's parent chain while each parent is itself a Handler and
// returns the last Handler reached, whose parent is either unset or a plain
// EventSink.
func Root(h Handler) Handler {
	for {
		p := h.Parent()
		if p == nil {
			return h
		}
		next, ok := p.(Handler)
		if !ok {
			return h
		}
		h = next
	}
}
