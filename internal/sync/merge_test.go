package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tendero/shopsync/internal/queue"
	"github.com/tendero/shopsync/internal/schema"
)

func product(id schema.ID, name string, stock int) *schema.Product {
	p := &schema.Product{Name: name, Stock: stock, MinStock: 2, Price: 10}
	p.ID = id
	p.UserID = "u1"
	return p
}

func sale(id schema.ID, qty int, revenue float64) *schema.Sale {
	s := &schema.Sale{ProductName: "Widget", Quantity: qty, Revenue: revenue, Date: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s.ID = id
	s.UserID = "u1"
	return s
}

func ids[E schema.Entity[E]](items []E) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Identity().ID.String()
	}
	return out
}

func TestMerge_Idempotent(t *testing.T) {
	confirmed := product(schema.ServerID("7"), "Widget", 4)
	server := []*schema.Product{confirmed}

	once := merge(server, nil, indexPending(nil), nil, nil)
	twice := merge(server, once, indexPending(nil), nil, nil)
	thrice := merge(append(server, confirmed.Clone()), twice, indexPending(nil), nil, nil)

	for _, got := range [][]*schema.Product{once, twice, thrice} {
		if len(got) != 1 || got[0].ID.String() != "7" {
			t.Errorf("merge = %v, want exactly [7]", ids(got))
		}
	}
}

func TestMerge_TemporaryRecords(t *testing.T) {
	queued := schema.NewTemporaryID()
	sending := schema.NewTemporaryID()
	refused := schema.NewTemporaryID()
	orphan := schema.NewTemporaryID()

	local := []*schema.Product{
		product(queued, "Queued", 1),
		product(sending, "Sending", 1),
		product(refused, "Refused", 1),
		product(orphan, "Orphan", 1),
		product(schema.ServerID("99"), "Stale", 1),
	}
	pending := indexPending([]queue.Mutation{{Op: queue.OpCreate, Kind: schema.KindProduct, Target: queued}})
	inflight := map[schema.ID]bool{sending: true}
	rejected := map[schema.ID]bool{refused: true}

	got := merge([]*schema.Product{product(schema.ServerID("1"), "Server", 5)}, local, pending, inflight, rejected)

	want := []string{"1", queued.String(), sending.String(), refused.String()}
	if len(got) != len(want) {
		t.Fatalf("merge = %v, want %v", ids(got), want)
	}
	for i := range want {
		if got[i].ID.String() != want[i] {
			t.Errorf("merge[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestMerge_PendingWritesOverlay(t *testing.T) {
	server := []*schema.Product{
		product(schema.ServerID("1"), "Widget", 5),
		product(schema.ServerID("2"), "Gadget", 5),
	}
	pending := indexPending([]queue.Mutation{
		{Op: queue.OpUpdate, Target: schema.ServerID("1"), Payload: json.RawMessage(`{"name":"Widget","stock":1,"price":10}`)},
		{Op: queue.OpDelete, Target: schema.ServerID("2")},
	})

	got := merge(server, nil, pending, nil, nil)
	if len(got) != 1 {
		t.Fatalf("merge = %v, want only 1", ids(got))
	}
	if got[0].Stock != 1 || got[0].ID.String() != "1" || got[0].UserID != "u1" {
		t.Errorf("overlay = %+v, want stock 1 with identity kept", got[0])
	}
	if server[0].Stock != 5 {
		t.Error("overlay mutated the server record")
	}
}

func TestDedupe_PrefersServerSale(t *testing.T) {
	temp := schema.NewTemporaryID()

	tests := []struct {
		name  string
		items []*schema.Sale
	}{
		{"temporary first", []*schema.Sale{sale(temp, 2, 400), sale(schema.ServerID("s1"), 2, 400)}},
		{"server first", []*schema.Sale{sale(schema.ServerID("s1"), 2, 400), sale(temp, 2, 400)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dedupe(tt.items, nil)
			if len(got) != 1 || got[0].ID.String() != "s1" {
				t.Errorf("dedupe = %v, want [s1]", ids(got))
			}
		})
	}
}

func TestDedupe_DistinctSalesKept(t *testing.T) {
	items := []*schema.Sale{
		sale(schema.ServerID("s1"), 2, 400),
		sale(schema.ServerID("s2"), 2, 400), // same content, both confirmed: two real sales
		sale(schema.NewTemporaryID(), 3, 600),
	}
	if got := dedupe(items, nil); len(got) != 3 {
		t.Errorf("dedupe = %v, want all 3 kept", ids(got))
	}
}

func TestDedupe_EachServerSaleHidesOneTwin(t *testing.T) {
	items := []*schema.Sale{
		sale(schema.ServerID("s1"), 2, 400),
		sale(schema.NewTemporaryID(), 2, 400),
		sale(schema.NewTemporaryID(), 2, 400),
	}
	got := dedupe(items, nil)
	if len(got) != 2 || got[0].ID.String() != "s1" || !got[1].ID.IsTemporary() {
		t.Errorf("dedupe = %v, want s1 and one temporary sale", ids(got))
	}
}

// A second identical sale recorded offline is not the server's copy of the
// first one: its create has not been sent yet.
func TestMerge_QueuedSaleNotHiddenByIdenticalServerSale(t *testing.T) {
	queued := schema.NewTemporaryID()
	sending := schema.NewTemporaryID()
	server := []*schema.Sale{sale(schema.ServerID("s1"), 2, 400)}
	pending := indexPending([]queue.Mutation{{Op: queue.OpCreate, Kind: schema.KindSale, Target: queued}})

	got := merge(server, []*schema.Sale{sale(queued, 2, 400)}, pending, nil, nil)
	if len(got) != 2 {
		t.Errorf("merge = %v, want s1 and the queued sale", ids(got))
	}

	// While a create is being sent, an identical server sale may be its copy
	got = merge(server, []*schema.Sale{sale(sending, 2, 400)}, indexPending(nil), map[schema.ID]bool{sending: true}, nil)
	if len(got) != 1 || got[0].ID.String() != "s1" {
		t.Errorf("merge = %v, want only s1", ids(got))
	}
}

func TestReplaceTemporary(t *testing.T) {
	temp := schema.NewTemporaryID()
	items := []*schema.Product{product(schema.ServerID("1"), "A", 1), product(temp, "B", 1)}

	got := replaceTemporary(items, temp, product(schema.ServerID("2"), "B", 1))
	if want := []string{"1", "2"}; len(got) != 2 || got[0].ID.String() != want[0] || got[1].ID.String() != want[1] {
		t.Errorf("replaceTemporary = %v, want %v", ids(got), want)
	}

	// A refresh already brought the confirmed record in
	items = []*schema.Product{product(schema.ServerID("2"), "B", 1), product(temp, "B", 1)}
	got = replaceTemporary(items, temp, product(schema.ServerID("2"), "B", 1))
	if len(got) != 1 || got[0].ID.String() != "2" {
		t.Errorf("replaceTemporary = %v, want [2]", ids(got))
	}
}
