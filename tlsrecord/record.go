// Package tlsrecord frames raw TCP payload bytes into TLS records and picks
// the JA3-relevant fields out of ClientHello/ServerHello handshake messages
// (spec §4.3/§4.4). It never negotiates or terminates a TLS connection — it
// only reads what's already on the wire.
package tlsrecord

import "encoding/binary"

// ContentType is a TLS record's outer type byte.
type ContentType uint8

const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
)

const headerLen = 5

// Record is one TLS record as framed directly off the wire: a one-byte
// content type, a two-byte protocol version, and the record's payload.
type Record struct {
	Type    ContentType
	Version uint16
	Data    []byte
}

func validContentType(t ContentType) bool {
	switch t {
	case ContentTypeChangeCipherSpec, ContentTypeAlert, ContentTypeHandshake, ContentTypeApplicationData:
		return true
	default:
		return false
	}
}

// Split pulls every complete record out of the front of buf, returning them
// along with how many leading bytes were consumed; a trailing partial
// record is left for the caller to prepend to the next chunk, the same
// tail-retention scheme the original's tls_multi_factory uses instead of
// raising on a truncated buffer. ok is false the moment a record's content
// type isn't one of the four known values — a signal this byte stream was
// never TLS to begin with.
func Split(buf []byte) (records []Record, consumed int, ok bool) {
	ok = true
	for {
		if len(buf)-consumed < headerLen {
			break
		}
		b := buf[consumed:]
		ct := ContentType(b[0])
		if !validContentType(ct) {
			ok = false
			break
		}
		length := int(binary.BigEndian.Uint16(b[3:5]))
		if len(b) < headerLen+length {
			break
		}
		records = append(records, Record{
			Type:    ct,
			Version: binary.BigEndian.Uint16(b[1:3]),
			Data:    append([]byte(nil), b[headerLen:headerLen+length]...),
		})
		consumed += headerLen + length
	}
	return records, consumed, ok
}
