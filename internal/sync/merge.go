package sync

import (
	"encoding/json"

	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
)

// pendingWrites indexes the queued mutations of one kind and owner.
type pendingWrites struct {
	creates map[schema.ID]bool
	updates map[schema.ID]json.RawMessage
	deletes map[schema.ID]bool
}

func indexPending(muts []queue.Mutation) pendingWrites {
	p := pendingWrites{
		creates: make(map[schema.ID]bool),
		updates: make(map[schema.ID]json.RawMessage),
		deletes: make(map[schema.ID]bool),
	}
	for _, m := range muts {
		switch m.Op {
		case queue.OpCreate:
			p.creates[m.Target] = true
		case queue.OpUpdate:
			// later updates replace earlier ones
			p.updates[m.Target] = m.Payload
		case queue.OpDelete:
			p.deletes[m.Target] = true
		}
	}
	return p
}

// merge combines a fresh server list with the local records.
//
// Server records win, with queued updates overlaid and queued deletes
// hidden. A local record with only a temporary id is kept while its create
// is queued or being sent (sending), or after the server refused it
// (rejected); every other local record absent from the server list is
// stale. The result is deduplicated; only records being sent can have a
// server twin.
func merge[E schema.Entity[E]](server, local []E, pending pendingWrites, sending, rejected map[schema.ID]bool) []E {
	out := make([]E, 0, len(server)+len(local))

	for _, item := range server {
		id := item.Identity().ID
		if pending.deletes[id] {
			continue
		}
		if payload, ok := pending.updates[id]; ok {
			item = overlay(item, payload)
		}
		out = append(out, item)
	}

	for _, item := range local {
		id := item.Identity().ID
		if !id.IsTemporary() || pending.deletes[id] {
			continue
		}
		if !pending.creates[id] && !sending[id] && !rejected[id] {
			continue
		}
		if payload, ok := pending.updates[id]; ok {
			item = overlay(item, payload)
		}
		out = append(out, item)
	}

	return dedupe(out, func(id schema.ID) bool { return sending[id] })
}

// overlay applies a queued wire payload on top of a copy of item. Identity
// is kept from item.
func overlay[E schema.Entity[E]](item E, payload json.RawMessage) E {
	next := item.Clone()
	ident := *item.Identity()
	if err := json.Unmarshal(payload, next); err != nil {
		return item
	}
	*next.Identity() = ident
	return next
}

// dedupe drops repeated ids (first occurrence wins) and, for kinds with a
// content key, temporary records that duplicate a server record: the
// server's copy of a create whose response has not arrived yet. Each server
// record hides at most one temporary record, and only temporary ids for
// which twin reports true are candidates (nil means all).
func dedupe[E schema.Entity[E]](items []E, twin func(schema.ID) bool) []E {
	seen := make(map[schema.ID]bool, len(items))
	byID := items[:0:0]
	for _, item := range items {
		id := item.Identity().ID
		if seen[id] {
			continue
		}
		seen[id] = true
		byID = append(byID, item)
	}

	confirmed := make(map[string]int)
	for _, item := range byID {
		keyer, ok := any(item).(schema.ContentKeyer)
		if !ok {
			return byID
		}
		if item.Identity().ID.IsServer() {
			confirmed[keyer.ContentKey()]++
		}
	}
	if len(confirmed) == 0 {
		return byID
	}

	out := byID[:0:0]
	for _, item := range byID {
		id := item.Identity().ID
		if id.IsTemporary() && (twin == nil || twin(id)) {
			key := any(item).(schema.ContentKeyer).ContentKey()
			if confirmed[key] > 0 {
				confirmed[key]--
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

// noTwins limits dedupe to repeated ids.
func noTwins(schema.ID) bool { return false }

// replaceTemporary swaps the record carrying temp for confirmed. If the
// confirmed record is already present (a refresh got there first) the
// temporary one is just dropped.
func replaceTemporary[E schema.Entity[E]](items []E, temp schema.ID, confirmed E) []E {
	out := make([]E, 0, len(items)+1)
	placed := false
	serverID := confirmed.Identity().ID
	for _, item := range items {
		id := item.Identity().ID
		switch {
		case id.Equal(temp), id.Equal(serverID):
			if !placed {
				out = append(out, confirmed)
				placed = true
			}
		default:
			out = append(out, item)
		}
	}
	if !placed {
		out = append(out, confirmed)
	}
	return out
}
