package schema

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TemporaryFloor is the smallest temporary identifier. Server-issued numeric
// ids stay far below it, so magnitude alone tells the two apart.
const TemporaryFloor uint64 = 1 << 52

// temporaryCeil bounds temporary ids so they fit a signed 64-bit column.
const temporaryCeil uint64 = 1 << 63

// ID is the identity of an entity: either a locally generated temporary
// number (unconfirmed, never sent to the server) or a server-issued id.
// The zero ID is neither.
type ID struct {
	temp   uint64
	server string
}

// TemporaryID wraps a locally generated identifier.
func TemporaryID(n uint64) ID {
	return ID{temp: n}
}

// ServerID wraps a server-issued identifier.
func ServerID(s string) ID {
	return ID{server: s}
}

// NewTemporaryID draws a fresh temporary identifier from [TemporaryFloor, 2^63).
func NewTemporaryID() ID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("schema: reading random bytes: %v", err))
	}
	n := binary.BigEndian.Uint64(buf[:]) % (temporaryCeil - TemporaryFloor)
	return ID{temp: TemporaryFloor + n}
}

// IsTemporaryValue reports whether a raw integer falls in the temporary range.
func IsTemporaryValue(n uint64) bool {
	return n >= TemporaryFloor && n < temporaryCeil
}

// IsTemporary reports whether the id is a local placeholder.
func (id ID) IsTemporary() bool { return id.temp != 0 }

// IsServer reports whether the id was issued by the server.
func (id ID) IsServer() bool { return id.server != "" }

// IsZero reports whether no identifier is known.
func (id ID) IsZero() bool { return id.temp == 0 && id.server == "" }

// Temporary returns the temporary value, if any.
func (id ID) Temporary() (uint64, bool) { return id.temp, id.temp != 0 }

// Server returns the server value, if any.
func (id ID) Server() (string, bool) { return id.server, id.server != "" }

// Equal reports whether both ids name the same record.
func (id ID) Equal(other ID) bool { return id == other }

func (id ID) String() string {
	switch {
	case id.server != "":
		return id.server
	case id.temp != 0:
		return "tmp-" + strconv.FormatUint(id.temp, 10)
	default:
		return ""
	}
}

// ParseID reverses String.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, fmt.Errorf("empty id")
	}
	if rest, ok := strings.CutPrefix(s, "tmp-"); ok {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil || !IsTemporaryValue(n) {
			return ID{}, fmt.Errorf("invalid temporary id %q", s)
		}
		return TemporaryID(n), nil
	}
	return ServerID(s), nil
}

// serverIDFromJSON reads a server id that may be encoded as a string or a number.
func serverIDFromJSON(raw json.RawMessage) (ID, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return ID{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ID{}, fmt.Errorf("decode id: %w", err)
		}
		return ServerID(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ID{}, fmt.Errorf("decode id: %w", err)
	}
	return ServerID(n.String()), nil
}
