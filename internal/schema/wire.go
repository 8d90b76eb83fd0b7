package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingID is returned when a server record carries no identifier.
var ErrMissingID = errors.New("server record has no id")

// EncodeWire renders an entity for transmission to the remote service.
// The server id, when known, is emitted as "id". A temporary id is never
// emitted: the server must not learn about local placeholders.
func EncodeWire[E Entity[E]](e E) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Kind(), err)
	}
	serverID, ok := e.Identity().ID.Server()
	if !ok {
		return body, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Kind(), err)
	}
	idJSON, err := json.Marshal(serverID)
	if err != nil {
		return nil, err
	}
	fields["id"] = idJSON
	return json.Marshal(fields)
}

// DecodeWire parses a server record. The id may be a JSON string or number,
// under "id" or "_id".
func DecodeWire[E Entity[E]](raw []byte) (E, error) {
	var e E
	if isNull(raw) {
		return e, fmt.Errorf("failed to decode server record: empty body")
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("failed to decode server record: %w", err)
	}

	id, err := WireID(raw)
	if err != nil {
		return e, fmt.Errorf("%w (%s)", err, e.Kind())
	}
	e.Identity().ID = id
	return e, nil
}

// WireID extracts the server id of a record without decoding the rest.
func WireID(raw []byte) (ID, error) {
	var ids struct {
		ID    json.RawMessage `json:"id"`
		Mongo json.RawMessage `json:"_id"`
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return ID{}, fmt.Errorf("failed to decode server record id: %w", err)
	}
	idRaw := ids.ID
	if isNull(idRaw) {
		idRaw = ids.Mongo
	}
	id, err := serverIDFromJSON(idRaw)
	if err != nil {
		return ID{}, err
	}
	if id.IsZero() {
		return ID{}, ErrMissingID
	}
	return id, nil
}

// EncodeLocal renders the entity body stored in the Local Store. Identity
// lives in dedicated columns, so the body carries no id.
func EncodeLocal[E Entity[E]](e E) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", e.Kind(), err)
	}
	return body, nil
}

// DecodeLocal restores an entity from a Local Store body plus its identity.
func DecodeLocal[E Entity[E]](body []byte, id ID, userID string) (E, error) {
	var e E
	if isNull(body) {
		return e, fmt.Errorf("failed to decode stored record %s: empty body", id)
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("failed to decode stored record %s: %w", id, err)
	}
	ident := e.Identity()
	ident.ID = id
	ident.UserID = userID
	return e, nil
}

func isNull(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
