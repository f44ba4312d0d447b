package secrets

import (
	"bufio"
	"encoding/hex"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// LoadKeylog parses an NSS key log (the format curl/Wireshark/browsers write
// via SSLKEYLOGFILE, documented at
// https://firefox-source-docs.mozilla.org/security/nss/legacy/key_log_format)
// and records every CLIENT_RANDOM line's master secret by client random.
// Lines of an unrecognized label are skipped rather than rejected: a caller
// can point this at a keylog also containing TLS 1.3 labels this module
// doesn't need.
func LoadKeylog(r io.Reader) (*Store, error) {
	store := New()
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 || fields[0] != "CLIENT_RANDOM" {
			continue
		}
		clientRandomBytes, err := hex.DecodeString(fields[1])
		if err != nil || len(clientRandomBytes) != 32 {
			return nil, errors.Errorf("keylog line %d: malformed client random", lineNo)
		}
		masterSecret, err := hex.DecodeString(fields[2])
		if err != nil || len(masterSecret) != 48 {
			return nil, errors.Errorf("keylog line %d: malformed master secret", lineNo)
		}
		var clientRandom [32]byte
		copy(clientRandom[:], clientRandomBytes)
		store.AddByClientRandom(clientRandom, masterSecret)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "failed reading keylog")
	}
	return store, nil
}
