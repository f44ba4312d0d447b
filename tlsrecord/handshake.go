package tlsrecord

import (
	"encoding/binary"
	"errors"
	"io"
)

// ClientHello holds the subset of a TLS ClientHello's fields the pipeline
// needs: the JA3 inputs plus the two values master-secret lookup can use.
type ClientHello struct {
	Version         uint16
	Random          [32]byte
	SessionID       []byte
	CipherSuites    []uint16
	Extensions      []uint16
	SupportedCurves []uint16
	SupportedPoints []byte
}

// ServerHello holds the subset of a TLS ServerHello's fields JA3S and
// master-secret lookup need.
type ServerHello struct {
	Version     uint16
	Random      [32]byte
	SessionID   []byte
	CipherSuite uint16
	Extensions  []uint16
}

var (
	ErrNotHandshake = errors.New("tlsrecord: record is not the expected handshake message")
	ErrMalformed    = errors.New("tlsrecord: malformed handshake message")
)

const (
	handshakeTypeClientHello = 1
	handshakeTypeServerHello = 2

	extSupportedGroups = 10
	extECPointFormats  = 11
)

// ParseClientHello extracts ClientHello fields from a ContentTypeHandshake
// record's Data.
func ParseClientHello(data []byte) (*ClientHello, error) {
	if len(data) < 4 || data[0] != handshakeTypeClientHello {
		return nil, ErrNotHandshake
	}
	r := &fieldReader{buf: data[4:]}

	version, err := r.u16()
	if err != nil {
		return nil, ErrMalformed
	}
	hello := &ClientHello{Version: version}
	if err := r.fixed(hello.Random[:]); err != nil {
		return nil, ErrMalformed
	}
	sessionID, err := r.vec8()
	if err != nil {
		return nil, ErrMalformed
	}
	hello.SessionID = append([]byte(nil), sessionID...)

	cipherBytes, err := r.vec16()
	if err != nil {
		return nil, ErrMalformed
	}
	hello.CipherSuites, err = toUint16s(cipherBytes)
	if err != nil {
		return nil, ErrMalformed
	}

	if _, err := r.vec8(); err != nil { // compression methods, unused
		return nil, ErrMalformed
	}

	if r.remaining() == 0 {
		return hello, nil
	}
	extBytes, err := r.vec16()
	if err != nil {
		// No extensions block; still a usable hello for JA3 purposes.
		return hello, nil
	}
	er := &fieldReader{buf: extBytes}
	for er.remaining() > 0 {
		extType, err := er.u16()
		if err != nil {
			break
		}
		extData, err := er.vec16()
		if err != nil {
			break
		}
		hello.Extensions = append(hello.Extensions, extType)
		switch extType {
		case extSupportedGroups:
			if groups, err := toUint16s(lengthPrefixed16(extData)); err == nil {
				hello.SupportedCurves = groups
			}
		case extECPointFormats:
			if len(extData) >= 1 {
				n := int(extData[0])
				if len(extData) >= 1+n {
					hello.SupportedPoints = append([]byte(nil), extData[1:1+n]...)
				}
			}
		}
	}
	return hello, nil
}

// ParseServerHello extracts ServerHello fields from a ContentTypeHandshake
// record's Data.
func ParseServerHello(data []byte) (*ServerHello, error) {
	if len(data) < 4 || data[0] != handshakeTypeServerHello {
		return nil, ErrNotHandshake
	}
	r := &fieldReader{buf: data[4:]}

	version, err := r.u16()
	if err != nil {
		return nil, ErrMalformed
	}
	hello := &ServerHello{Version: version}
	if err := r.fixed(hello.Random[:]); err != nil {
		return nil, ErrMalformed
	}
	sessionID, err := r.vec8()
	if err != nil {
		return nil, ErrMalformed
	}
	hello.SessionID = append([]byte(nil), sessionID...)

	cipher, err := r.u16()
	if err != nil {
		return nil, ErrMalformed
	}
	hello.CipherSuite = cipher

	if _, err := r.u8(); err != nil { // compression method, unused
		return nil, ErrMalformed
	}

	if r.remaining() == 0 {
		return hello, nil
	}
	extBytes, err := r.vec16()
	if err != nil {
		return hello, nil
	}
	er := &fieldReader{buf: extBytes}
	for er.remaining() > 0 {
		extType, err := er.u16()
		if err != nil {
			break
		}
		if _, err := er.vec16(); err != nil {
			break
		}
		hello.Extensions = append(hello.Extensions, extType)
	}
	return hello, nil
}

// fieldReader is a small cursor over a handshake message body, just enough
// to walk the fixed/vector fields ClientHello and ServerHello are built
// from.
type fieldReader struct {
	buf []byte
	pos int
}

func (r *fieldReader) remaining() int { return len(r.buf) - r.pos }

func (r *fieldReader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *fieldReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *fieldReader) fixed(dst []byte) error {
	if r.remaining() < len(dst) {
		return io.ErrUnexpectedEOF
	}
	copy(dst, r.buf[r.pos:r.pos+len(dst)])
	r.pos += len(dst)
	return nil
}

// vec8 reads a vector with a one-byte length prefix.
func (r *fieldReader) vec8() ([]byte, error) {
	n, err := r.u8()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

// vec16 reads a vector with a two-byte length prefix.
func (r *fieldReader) vec16() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, io.ErrUnexpectedEOF
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

func toUint16s(b []byte) ([]uint16, error) {
	if len(b)%2 != 0 {
		return nil, ErrMalformed
	}
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return out, nil
}

// lengthPrefixed16 strips a nested two-byte length prefix, as used by the
// supported_groups extension's inner list.
func lengthPrefixed16(b []byte) []byte {
	if len(b) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(b))
	if len(b) < 2+n {
		return b[2:]
	}
	return b[2 : 2+n]
}
