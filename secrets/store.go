// Package secrets holds the externally-supplied TLS master secrets the
// pipeline is handed out of band (spec §4.3): this process never derives or
// negotiates key material itself, only looks it up.
package secrets

// Store resolves a master secret by session ID, by client random alone, or
// by a (client random, server random) pair — the three lookup strategies
// tried in that order, matching the precedence a capture-replay tool needs
// when a session is resumed across multiple TCP connections.
type Store struct {
	bySession      map[string][]byte
	byClientRandom map[[32]byte][]byte
	byRandomPair   map[[64]byte][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		bySession:      map[string][]byte{},
		byClientRandom: map[[32]byte][]byte{},
		byRandomPair:   map[[64]byte][]byte{},
	}
}

// AddBySessionID records a master secret keyed by a TLS session ID.
func (s *Store) AddBySessionID(sessionID, masterSecret []byte) {
	if len(sessionID) == 0 {
		return
	}
	s.bySession[string(sessionID)] = append([]byte(nil), masterSecret...)
}

// AddByClientRandom records a master secret keyed by the ClientHello random.
func (s *Store) AddByClientRandom(clientRandom [32]byte, masterSecret []byte) {
	s.byClientRandom[clientRandom] = append([]byte(nil), masterSecret...)
}

// AddByRandomPair records a master secret keyed by both hello randoms, for
// secrets logged in NSS keylog "CLIENT_RANDOM"-adjacent formats that tie a
// secret to a specific negotiation rather than resumable session.
func (s *Store) AddByRandomPair(clientRandom, serverRandom [32]byte, masterSecret []byte) {
	s.byRandomPair[randomPairKey(clientRandom, serverRandom)] = append([]byte(nil), masterSecret...)
}

func randomPairKey(clientRandom, serverRandom [32]byte) [64]byte {
	var key [64]byte
	copy(key[:32], clientRandom[:])
	copy(key[32:], serverRandom[:])
	return key
}

// Lookup tries session ID, then client random, then the (client, server)
// random pair, returning the first match.
func (s *Store) Lookup(sessionID []byte, clientRandom, serverRandom [32]byte) ([]byte, bool) {
	if len(sessionID) > 0 {
		if ms, ok := s.bySession[string(sessionID)]; ok {
			return ms, true
		}
	}
	if ms, ok := s.byClientRandom[clientRandom]; ok {
		return ms, true
	}
	if ms, ok := s.byRandomPair[randomPairKey(clientRandom, serverRandom)]; ok {
		return ms, true
	}
	return nil, false
}
