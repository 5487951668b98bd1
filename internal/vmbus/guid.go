package vmbus

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// GUID identifies a channel's device class (interface type) or a concrete
// device (interface instance). The pair is stable across host reboots and is
// how device adapters find their channels.
type GUID [16]byte

// ParseGUID parses the canonical 8-4-4-4-12 hex form.
func ParseGUID(s string) (GUID, error) {
	var g GUID
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return g, fmt.Errorf("vmbus: malformed GUID %q", s)
	}
	raw, err := hex.DecodeString(strings.Join(parts, ""))
	if err != nil || len(raw) != 16 {
		return g, fmt.Errorf("vmbus: malformed GUID %q", s)
	}
	copy(g[:], raw)
	return g, nil
}

// MustParseGUID is ParseGUID for package-level constants.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

func (g GUID) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", g[0:4], g[4:6], g[6:8], g[8:10], g[10:16])
}

// IsZero reports whether the GUID is all zeroes.
func (g GUID) IsZero() bool {
	return g == GUID{}
}
