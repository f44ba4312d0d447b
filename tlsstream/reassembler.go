// Package tlsstream sits downstream of a tcpstream.Reassembler and turns
// its "tcp" request/response pairs into decrypted "tls" pairs plus JA3/JA3S
// fingerprints (spec §4.3/§4.4), given master secrets supplied out of band.
// A flow that never looks like TLS, or whose secret can't be found, is
// forwarded (or silently dropped, matching the original's behavior) rather
// than treated as an error.
package tlsstream

import (
	"time"

	"github.com/packetloom/streamcap/ja3"
	"github.com/packetloom/streamcap/netflow"
	"github.com/packetloom/streamcap/printer"
	"github.com/packetloom/streamcap/recordlayer"
	"github.com/packetloom/streamcap/secrets"
	"github.com/packetloom/streamcap/tlsrecord"
)

// State is one phase of the TLS record-layer state machine.
type State int

const (
	StateInit State = iota
	StateAwaitClientCCS
	StateAwaitServerCCS
	StateFirstDecrypt
	StateStream
	StateDone
)

// Reassembler consumes "tcp" Events from a tcpstream.Reassembler and emits
// decrypted "tls" Events to its own parent. It implements netflow.Handler
// so demux can wire it into a flow's parent-pointer chain.
type Reassembler struct {
	flow    netflow.FlowKey
	secrets *secrets.Store
	state   State
	bypass  bool

	sentRaw, recvRaw         []byte
	sentRecords, recvRecords []tlsrecord.Record

	clientHello *tlsrecord.ClientHello
	serverHello *tlsrecord.ServerHello
	clientState *recordlayer.CipherState
	serverState *recordlayer.CipherState

	parent netflow.EventSink
	log    printer.P
}

// New returns a Reassembler in the Init state, resolving master secrets
// against store.
func New(flow netflow.FlowKey, store *secrets.Store) *Reassembler {
	return &Reassembler{flow: flow, secrets: store, log: printer.Stderr}
}

// SetLogger overrides the default logger (printer.Stderr).
func (r *Reassembler) SetLogger(p printer.P) {
	if p != nil {
		r.log = p
	}
}

func (r *Reassembler) SetParent(p netflow.EventSink) { r.parent = p }
func (r *Reassembler) Parent() netflow.EventSink     { return r.parent }

// State reports the reassembler's current phase, mostly for tests.
func (r *Reassembler) State() State { return r.state }

// HandleEvent receives one "tcp" pair from the reassembler below. Anything
// that isn't a "tcp" event (there is no layer below TLS here) is forwarded
// untouched.
func (r *Reassembler) HandleEvent(e netflow.Event) error {
	if e.Protocol != netflow.ProtocolTCP || r.bypass {
		return r.forward(e)
	}

	r.sentRaw = append(r.sentRaw, e.Sent...)
	r.recvRaw = append(r.recvRaw, e.Recv...)

	sentRecs, consumedSent, okSent := tlsrecord.Split(r.sentRaw)
	recvRecs, consumedRecv, okRecv := tlsrecord.Split(r.recvRaw)

	if !okSent || !okRecv {
		// Never looked like TLS to begin with; stop trying and hand every
		// future pair on this flow straight to our parent.
		r.bypass = true
		r.sentRaw, r.recvRaw = nil, nil
		return r.forward(e)
	}

	r.sentRaw = r.sentRaw[consumedSent:]
	r.recvRaw = r.recvRaw[consumedRecv:]
	r.sentRecords = append(r.sentRecords, sentRecs...)
	r.recvRecords = append(r.recvRecords, recvRecs...)

	for r.step(e.Timestamp) {
	}
	return nil
}

func (r *Reassembler) forward(e netflow.Event) error {
	if r.parent == nil {
		return nil
	}
	return r.parent.HandleEvent(e)
}

func (r *Reassembler) step(ts time.Time) bool {
	switch r.state {
	case StateInit:
		return r.stepInit(ts)
	case StateAwaitClientCCS:
		return r.stepAwaitClientCCS()
	case StateAwaitServerCCS:
		return r.stepAwaitServerCCS()
	case StateFirstDecrypt:
		return r.stepFirstDecrypt()
	case StateStream:
		return r.stepStream(ts)
	default: // StateDone
		r.sentRecords, r.recvRecords = nil, nil
		return false
	}
}

// stepInit waits for a ClientHello and ServerHello record on each side,
// looks up the master secret, and derives both directions' cipher state.
// Any failure is not fatal to the rest of the pipeline: it just means this
// flow's data is dropped from here on (matching the original's behavior of
// quietly discarding a TLS stream it cannot decrypt).
func (r *Reassembler) stepInit(ts time.Time) bool {
	if len(r.sentRecords) == 0 || len(r.recvRecords) == 0 {
		return false
	}
	clientRec := r.sentRecords[0]
	serverRec := r.recvRecords[0]
	r.sentRecords = r.sentRecords[1:]
	r.recvRecords = r.recvRecords[1:]

	hello, err := tlsrecord.ParseClientHello(clientRec.Data)
	if err != nil {
		r.log.Infof("flow %s doesn't look like a TLS client hello, skipping decryption\n", r.flow)
		r.state = StateDone
		return false
	}
	shello, err := tlsrecord.ParseServerHello(serverRec.Data)
	if err != nil {
		r.log.Infof("flow %s doesn't look like a TLS server hello, skipping decryption\n", r.flow)
		r.state = StateDone
		return false
	}
	r.clientHello, r.serverHello = hello, shello

	masterSecret, ok := r.secrets.Lookup(shello.SessionID, hello.Random, shello.Random)
	if !ok {
		r.log.Infof("no TLS master secret for flow %s, skipping decryption\n", r.flow)
		r.state = StateDone
		return false
	}

	clientState, serverState, err := recordlayer.DeriveStates(shello.CipherSuite, masterSecret, hello.Random, shello.Random)
	if err != nil {
		r.log.Warningf("flow %s: %s, skipping decryption\n", r.flow, err)
		r.state = StateDone
		return false
	}
	r.clientState, r.serverState = clientState, serverState
	r.state = StateAwaitClientCCS
	return true
}

func (r *Reassembler) stepAwaitClientCCS() bool {
	for len(r.sentRecords) > 0 {
		rec := r.sentRecords[0]
		r.sentRecords = r.sentRecords[1:]
		if rec.Type == tlsrecord.ContentTypeChangeCipherSpec {
			r.state = StateAwaitServerCCS
			return true
		}
	}
	return false
}

func (r *Reassembler) stepAwaitServerCCS() bool {
	for len(r.recvRecords) > 0 {
		rec := r.recvRecords[0]
		r.recvRecords = r.recvRecords[1:]
		if rec.Type == tlsrecord.ContentTypeChangeCipherSpec {
			r.state = StateFirstDecrypt
			return true
		}
	}
	return false
}

// stepFirstDecrypt consumes the first encrypted record on each side (the
// handshake Finished messages) purely to advance each direction's cipher
// state; their content is discarded.
func (r *Reassembler) stepFirstDecrypt() bool {
	if len(r.sentRecords) == 0 || len(r.recvRecords) == 0 {
		return false
	}
	recv := r.recvRecords[0]
	r.recvRecords = r.recvRecords[1:]
	if _, err := r.serverState.Decrypt(uint8(recv.Type), recv.Data); err != nil {
		r.log.Debugf("flow %s: discarding undecryptable server Finished record: %s\n", r.flow, err)
	}

	sent := r.sentRecords[0]
	r.sentRecords = r.sentRecords[1:]
	if _, err := r.clientState.Decrypt(uint8(sent.Type), sent.Data); err != nil {
		r.log.Debugf("flow %s: discarding undecryptable client Finished record: %s\n", r.flow, err)
	}

	r.state = StateStream
	return true
}

// stepStream decrypts every currently queued record on both sides once both
// have at least one, and emits one "tls" pair.
func (r *Reassembler) stepStream(ts time.Time) bool {
	if len(r.sentRecords) == 0 || len(r.recvRecords) == 0 {
		return false
	}

	var sentPlain, recvPlain []byte
	for len(r.sentRecords) > 0 {
		rec := r.sentRecords[0]
		r.sentRecords = r.sentRecords[1:]
		plain, err := r.clientState.Decrypt(uint8(rec.Type), rec.Data)
		if err != nil {
			r.log.Infof("flow %s: error decrypting client TLS record: %s\n", r.flow, err)
			continue
		}
		sentPlain = append(sentPlain, plain...)
	}
	for len(r.recvRecords) > 0 {
		rec := r.recvRecords[0]
		r.recvRecords = r.recvRecords[1:]
		plain, err := r.serverState.Decrypt(uint8(rec.Type), rec.Data)
		if err != nil {
			r.log.Infof("flow %s: error decrypting server TLS record: %s\n", r.flow, err)
			continue
		}
		recvPlain = append(recvPlain, plain...)
	}

	hash, params := ja3.Fingerprint(r.clientHello)
	shash, sparams := ja3.FingerprintServer(r.serverHello)

	ev := netflow.Event{
		Flow:      r.flow,
		Timestamp: ts,
		Protocol:  netflow.ProtocolTLS,
		Sent:      sentPlain,
		Recv:      recvPlain,
		TLS: &netflow.TLSInfo{
			JA3:         &hash,
			JA3Params:   &params,
			JA3S:        &shash,
			JA3SParams:  &sparams,
			ClientHello: r.clientHello,
			ServerHello: r.serverHello,
		},
	}
	if r.parent != nil {
		if err := r.parent.HandleEvent(ev); err != nil {
			r.log.Warningf("flow %s: %s\n", r.flow, err)
		}
	}
	return true
}
