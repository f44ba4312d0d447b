package ja3

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/packetloom/streamcap/tlsrecord"
)

func TestFingerprintMatchesHandComputedParams(t *testing.T) {
	hello := &tlsrecord.ClientHello{
		Version:         771,
		CipherSuites:    []uint16{0x002f, 0x0035},
		Extensions:      []uint16{0, 10, 11},
		SupportedCurves: []uint16{23, 24},
		SupportedPoints: []byte{0},
	}
	hash, params := Fingerprint(hello)
	require.Equal(t, "771,47-53,0-10-11,23-24,0", params)
	require.Len(t, hash, 32)
	require.Equal(t, hashOf(params), hash)
}

func TestFingerprintStripsGREASEValues(t *testing.T) {
	plain := &tlsrecord.ClientHello{
		Version:      771,
		CipherSuites: []uint16{0x002f},
		Extensions:   []uint16{0, 10},
	}
	withGREASE := &tlsrecord.ClientHello{
		Version:      771,
		CipherSuites: []uint16{0x0a0a, 0x002f, 0x1a1a},
		Extensions:   []uint16{0x2a2a, 0, 10, 0xfafa},
	}

	h1, _ := Fingerprint(plain)
	h2, _ := Fingerprint(withGREASE)
	require.Equal(t, h1, h2, "GREASE values must not change the fingerprint")
}

func TestFingerprintServer(t *testing.T) {
	hello := &tlsrecord.ServerHello{
		Version:     771,
		CipherSuite: 0x002f,
		Extensions:  []uint16{0, 0x1a1a},
	}
	hash, params := FingerprintServer(hello)
	require.Equal(t, "771,47,0", params)
	require.Len(t, hash, 32)
}
