package tlsstream

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/packetloom/streamcap/netflow"
	"github.com/packetloom/streamcap/recordlayer"
	"github.com/packetloom/streamcap/secrets"
)

func testFlow() netflow.FlowKey {
	return netflow.NewFlowKey(
		netip.MustParseAddr("10.0.0.1"), 51234,
		netip.MustParseAddr("93.184.216.34"), 443,
	)
}

type recordingSink struct {
	events []netflow.Event
}

func (s *recordingSink) HandleEvent(e netflow.Event) error {
	s.events = append(s.events, e)
	return nil
}

func record(ct byte, data []byte) []byte {
	buf := make([]byte, 5+len(data))
	buf[0] = ct
	buf[1], buf[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(data)))
	copy(buf[5:], data)
	return buf
}

func clientHelloBody(random [32]byte, sessionID []byte, ciphers []uint16) []byte {
	body := []byte{0x03, 0x03}
	body = append(body, random[:]...)
	body = append(body, byte(len(sessionID)))
	body = append(body, sessionID...)
	cs := make([]byte, 0, len(ciphers)*2)
	for _, c := range ciphers {
		cs = append(cs, byte(c>>8), byte(c))
	}
	body = append(body, byte(len(cs)>>8), byte(len(cs)))
	body = append(body, cs...)
	body = append(body, 0x01, 0x00)
	msg := append([]byte{1, 0, byte(len(body) >> 8), byte(len(body))}, body...)
	return msg
}

func serverHelloBody(random [32]byte, sessionID []byte, cipher uint16) []byte {
	body := []byte{0x03, 0x03}
	body = append(body, random[:]...)
	body = append(body, byte(len(sessionID)))
	body = append(body, sessionID...)
	body = append(body, byte(cipher>>8), byte(cipher))
	body = append(body, 0x00)
	msg := append([]byte{2, 0, byte(len(body) >> 8), byte(len(body))}, body...)
	return msg
}

func TestFullHandshakeAndOneDecryptedPair(t *testing.T) {
	var clientRandom, serverRandom [32]byte
	for i := range clientRandom {
		clientRandom[i] = byte(i)
	}
	for i := range serverRandom {
		serverRandom[i] = byte(i + 100)
	}
	sessionID := []byte{0x01, 0x02}
	masterSecret := make([]byte, 48)
	for i := range masterSecret {
		masterSecret[i] = byte(i + 7)
	}

	store := secrets.New()
	store.AddByClientRandom(clientRandom, masterSecret)

	flow := testFlow()
	sink := &recordingSink{}
	r := New(flow, store)
	r.SetParent(sink)

	clientHelloRec := record(22, clientHelloBody(clientRandom, sessionID, []uint16{0x002f}))
	serverHelloRec := record(22, serverHelloBody(serverRandom, sessionID, 0x002f))

	require.NoError(t, r.HandleEvent(netflow.Event{
		Protocol: netflow.ProtocolTCP, Sent: clientHelloRec, Recv: serverHelloRec,
	}))
	require.Equal(t, StateAwaitClientCCS, r.State())

	ccsClient := record(20, []byte{1})
	ccsServer := record(20, []byte{1})
	require.NoError(t, r.HandleEvent(netflow.Event{
		Protocol: netflow.ProtocolTCP, Sent: ccsClient, Recv: ccsServer,
	}))
	require.Equal(t, StateFirstDecrypt, r.State())

	clientState, serverState, err := recordlayer.DeriveStates(0x002f, masterSecret, clientRandom, serverRandom)
	require.NoError(t, err)

	finishedClient := record(22, encryptCBC(t, clientState, []byte("client finished placeholder")))
	finishedServer := record(22, encryptCBC(t, serverState, []byte("server finished placeholder")))
	require.NoError(t, r.HandleEvent(netflow.Event{
		Protocol: netflow.ProtocolTCP, Sent: finishedClient, Recv: finishedServer,
	}))
	require.Equal(t, StateStream, r.State())

	appClient := record(23, encryptCBC(t, clientState, []byte("GET / HTTP/1.1\r\n\r\n")))
	appServer := record(23, encryptCBC(t, serverState, []byte("HTTP/1.1 200 OK\r\n\r\n")))
	require.NoError(t, r.HandleEvent(netflow.Event{
		Protocol: netflow.ProtocolTCP, Timestamp: time.Unix(1, 0), Sent: appClient, Recv: appServer,
	}))

	require.Len(t, sink.events, 1)
	got := sink.events[0]
	require.Equal(t, netflow.ProtocolTLS, got.Protocol)
	require.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(got.Sent))
	require.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", string(got.Recv))
	require.NotNil(t, got.TLS)
	require.NotNil(t, got.TLS.JA3)
	require.NotNil(t, got.TLS.JA3S)
}

func TestNonTLSStreamIsForwardedUnchanged(t *testing.T) {
	store := secrets.New()
	sink := &recordingSink{}
	r := New(testFlow(), store)
	r.SetParent(sink)

	ev := netflow.Event{Protocol: netflow.ProtocolTCP, Sent: []byte("GET / HTTP/1.0\r\n\r\n"), Recv: []byte("HTTP/1.0 200 OK\r\n\r\n")}
	require.NoError(t, r.HandleEvent(ev))

	require.Len(t, sink.events, 1)
	require.Equal(t, netflow.ProtocolTCP, sink.events[0].Protocol)
}

func TestMissingMasterSecretDropsStreamSilently(t *testing.T) {
	var clientRandom, serverRandom [32]byte
	store := secrets.New() // no secret registered

	sink := &recordingSink{}
	r := New(testFlow(), store)
	r.SetParent(sink)

	clientHelloRec := record(22, clientHelloBody(clientRandom, nil, []uint16{0x002f}))
	serverHelloRec := record(22, serverHelloBody(serverRandom, nil, 0x002f))
	require.NoError(t, r.HandleEvent(netflow.Event{Protocol: netflow.ProtocolTCP, Sent: clientHelloRec, Recv: serverHelloRec}))

	require.Equal(t, StateDone, r.State())
	require.Len(t, sink.events, 0, "a stream whose secret can't be found is dropped, not forwarded")
}

// encryptCBC builds a CBC record with a zeroed MAC the way recordlayer's
// own cipher_test.go does, since Decrypt never verifies it.
func encryptCBC(t *testing.T, c *recordlayer.CipherState, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(c.Key())
	require.NoError(t, err)
	bs := block.BlockSize()

	withFakeMAC := append(append([]byte(nil), plaintext...), make([]byte, 20)...)
	padLen := bs - (len(withFakeMAC)+1)%bs
	if padLen == bs {
		padLen = 0
	}
	padded := append(withFakeMAC, make([]byte, padLen+1)...)
	for i := len(withFakeMAC); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	iv := make([]byte, bs)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return append(append([]byte(nil), iv...), ct...)
}
