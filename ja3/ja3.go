// Package ja3 computes JA3 and JA3S TLS fingerprints (spec §4.4): a
// dash/comma-joined digest of a ClientHello's or ServerHello's negotiation
// parameters, MD5-hashed to a stable hex string.
package ja3

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/packetloom/streamcap/tlsrecord"
)

// isGREASE reports whether v is one of the sixteen reserved GREASE values
// (RFC 8701). JA3 ignores them so a client/server that only differs by a
// randomly-rolled GREASE value still fingerprints the same.
func isGREASE(v uint16) bool {
	hi, lo := byte(v>>8), byte(v)
	return hi == lo && lo&0x0f == 0x0a
}

func joinUint16(vals []uint16, skipGREASE bool) string {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		if skipGREASE && isGREASE(v) {
			continue
		}
		parts = append(parts, strconv.FormatUint(uint64(v), 10))
	}
	return strings.Join(parts, "-")
}

func hashOf(params string) string {
	sum := md5.Sum([]byte(params))
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes the JA3 hash and raw parameter string for a
// ClientHello:
//
//	SSLVersion,Cipher,SSLExtension,EllipticCurve,EllipticCurvePointFormat
func Fingerprint(hello *tlsrecord.ClientHello) (hash, params string) {
	points := make([]uint16, len(hello.SupportedPoints))
	for i, p := range hello.SupportedPoints {
		points[i] = uint16(p)
	}
	params = strings.Join([]string{
		strconv.FormatUint(uint64(hello.Version), 10),
		joinUint16(hello.CipherSuites, true),
		joinUint16(hello.Extensions, true),
		joinUint16(hello.SupportedCurves, true),
		joinUint16(points, false),
	}, ",")
	return hashOf(params), params
}

// FingerprintServer computes the JA3S hash and raw parameter string for a
// ServerHello: SSLVersion,Cipher,SSLExtension
func FingerprintServer(hello *tlsrecord.ServerHello) (hash, params string) {
	params = strings.Join([]string{
		strconv.FormatUint(uint64(hello.Version), 10),
		strconv.FormatUint(uint64(hello.CipherSuite), 10),
		joinUint16(hello.Extensions, true),
	}, ",")
	return hashOf(params), params
}
