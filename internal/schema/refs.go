package schema

import (
	"encoding/json"
	"fmt"
)

// Ref is a field of one record that names another record.
type Ref struct {
	Field string
	Kind  Kind
	ID    ID
}

type refField struct {
	name string
	kind Kind
}

// refFields lists the wire fields that name other records, per kind.
var refFields = map[Kind][]refField{
	KindSale:     {{"productId", KindProduct}, {"clientId", KindClient}},
	KindSchedule: {{"clientId", KindClient}},
}

// Referrers returns the kinds whose records may name a record of kind.
func Referrers(kind Kind) []Kind {
	var out []Kind
	for _, k := range AllKinds {
		for _, f := range refFields[k] {
			if f.kind == kind {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// TemporaryRefs returns the references in a body of kind that still name a
// temporary id. The body may be a wire or a local encoding.
func TemporaryRefs(kind Kind, body []byte) ([]Ref, error) {
	fields := refFields[kind]
	if len(fields) == 0 || isNull(body) {
		return nil, nil
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(body, &values); err != nil {
		return nil, fmt.Errorf("failed to read %s references: %w", kind, err)
	}

	var refs []Ref
	for _, f := range fields {
		id, ok := refValue(values[f.name])
		if ok && id.IsTemporary() {
			refs = append(refs, Ref{Field: f.name, Kind: f.kind, ID: id})
		}
	}
	return refs, nil
}

// RebindRefs rewrites the fields of a body of kind that name the ref record
// from, so they name to instead. A zero to removes the field. It reports
// whether anything changed; an unchanged body is returned as is.
func RebindRefs(kind Kind, body []byte, ref Kind, from, to ID) ([]byte, bool, error) {
	fields := refFields[kind]
	if len(fields) == 0 || isNull(body) {
		return body, false, nil
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(body, &values); err != nil {
		return body, false, fmt.Errorf("failed to read %s references: %w", kind, err)
	}

	changed := false
	for _, f := range fields {
		if f.kind != ref {
			continue
		}
		id, ok := refValue(values[f.name])
		if !ok || !id.Equal(from) {
			continue
		}
		if to.IsZero() {
			delete(values, f.name)
		} else {
			values[f.name], _ = json.Marshal(to.String())
		}
		changed = true
	}
	if !changed {
		return body, false, nil
	}

	out, err := json.Marshal(values)
	if err != nil {
		return body, false, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return out, true, nil
}

func refValue(raw json.RawMessage) (ID, bool) {
	if isNull(raw) {
		return ID{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return ID{}, false
	}
	id, err := ParseID(s)
	if err != nil {
		return ID{}, false
	}
	return id, true
}
