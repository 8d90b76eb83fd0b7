package schema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewTemporaryID_Range(t *testing.T) {
	for i := 0; i < 1000; i++ {
		id := NewTemporaryID()
		n, ok := id.Temporary()
		if !ok {
			t.Fatalf("NewTemporaryID() = %v, not temporary", id)
		}
		if !IsTemporaryValue(n) {
			t.Fatalf("temporary id %d outside reserved range", n)
		}
		if id.IsServer() {
			t.Fatalf("temporary id %v also reports a server id", id)
		}
	}
}

func TestID_Variants(t *testing.T) {
	tests := []struct {
		name      string
		id        ID
		temporary bool
		server    bool
		zero      bool
	}{
		{name: "zero", id: ID{}, zero: true},
		{name: "temporary", id: TemporaryID(TemporaryFloor + 7), temporary: true},
		{name: "server", id: ServerID("42"), server: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.IsTemporary(); got != tt.temporary {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.temporary)
			}
			if got := tt.id.IsServer(); got != tt.server {
				t.Errorf("IsServer() = %v, want %v", got, tt.server)
			}
			if got := tt.id.IsZero(); got != tt.zero {
				t.Errorf("IsZero() = %v, want %v", got, tt.zero)
			}
		})
	}
}

func TestParseID_RoundTrip(t *testing.T) {
	ids := []ID{ServerID("abc-123"), ServerID("17"), TemporaryID(TemporaryFloor + 99)}
	for _, id := range ids {
		parsed, err := ParseID(id.String())
		if err != nil {
			t.Fatalf("ParseID(%q) failed: %v", id.String(), err)
		}
		if !parsed.Equal(id) {
			t.Errorf("ParseID(%q) = %v, want %v", id.String(), parsed, id)
		}
	}

	if _, err := ParseID("tmp-12"); err == nil {
		t.Error("ParseID accepted a temporary id below the reserved range")
	}
}

func TestEncodeWire_OmitsTemporaryID(t *testing.T) {
	sale := &Sale{
		Ident:       Ident{ID: NewTemporaryID(), UserID: "u1"},
		ProductName: "Widget",
		Quantity:    2,
		Revenue:     400,
		Date:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	body, err := EncodeWire(sale)
	if err != nil {
		t.Fatalf("EncodeWire() failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		t.Fatalf("wire body is not an object: %v", err)
	}
	for _, key := range []string{"id", "tempId", "_id"} {
		if _, ok := fields[key]; ok {
			t.Errorf("wire body contains %q: %s", key, body)
		}
	}
	temp, _ := sale.ID.Temporary()
	if strings.Contains(string(body), sale.ID.String()) || strings.Contains(string(body), jsonNumber(temp)) {
		t.Errorf("wire body leaks temporary id: %s", body)
	}
}

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestEncodeWire_IncludesServerID(t *testing.T) {
	p := &Product{Ident: Ident{ID: ServerID("p-9")}, Name: "Flour", Stock: 4, MinStock: 2}

	body, err := EncodeWire(p)
	if err != nil {
		t.Fatalf("EncodeWire() failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		t.Fatalf("wire body is not an object: %v", err)
	}
	if fields["id"] != "p-9" {
		t.Errorf("id = %v, want p-9", fields["id"])
	}
	if fields["name"] != "Flour" {
		t.Errorf("name = %v, want Flour", fields["name"])
	}
}

func TestDecodeWire_IDShapes(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ID
		wantErr error
	}{
		{name: "string id", raw: `{"id":"abc","name":"A"}`, want: ServerID("abc")},
		{name: "numeric id", raw: `{"id":17,"name":"A"}`, want: ServerID("17")},
		{name: "mongo id", raw: `{"_id":"65f0","name":"A"}`, want: ServerID("65f0")},
		{name: "missing id", raw: `{"name":"A"}`, wantErr: ErrMissingID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodeWire[*Product]([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeWire() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeWire() failed: %v", err)
			}
			if !p.ID.Equal(tt.want) {
				t.Errorf("ID = %v, want %v", p.ID, tt.want)
			}
			if p.Name != "A" {
				t.Errorf("Name = %q, want A", p.Name)
			}
		})
	}
}

func TestLocalCodec_RoundTrip(t *testing.T) {
	end := time.Date(2026, 5, 2, 11, 0, 0, 0, time.UTC)
	orig := &Schedule{
		Ident:    Ident{ID: TemporaryID(TemporaryFloor + 1), UserID: "u1"},
		Title:    "Delivery",
		StartsAt: time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC),
		EndsAt:   &end,
	}

	body, err := EncodeLocal(orig)
	if err != nil {
		t.Fatalf("EncodeLocal() failed: %v", err)
	}
	got, err := DecodeLocal[*Schedule](body, orig.ID, "u1")
	if err != nil {
		t.Fatalf("DecodeLocal() failed: %v", err)
	}
	if !got.ID.Equal(orig.ID) || got.UserID != "u1" || got.Title != "Delivery" {
		t.Errorf("DecodeLocal() = %+v, want %+v", got, orig)
	}
	if got.EndsAt == nil || !got.EndsAt.Equal(end) {
		t.Errorf("EndsAt = %v, want %v", got.EndsAt, end)
	}
}

func TestSale_ContentKey(t *testing.T) {
	day := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := &Sale{ProductName: "Widget ", Quantity: 2, Revenue: 400, Date: day}
	b := &Sale{ProductName: "widget", Quantity: 2, Revenue: 400.001, Date: day.Add(5 * time.Hour)}
	c := &Sale{ProductName: "Widget", Quantity: 3, Revenue: 400, Date: day}

	if a.ContentKey() != b.ContentKey() {
		t.Errorf("same sale produced different keys: %q vs %q", a.ContentKey(), b.ContentKey())
	}
	if a.ContentKey() == c.ContentKey() {
		t.Errorf("different quantities produced the same key %q", a.ContentKey())
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	before := now.Add(-time.Hour)

	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "valid product", err: (&Product{Name: "Flour", Stock: 1}).Validate()},
		{name: "product without name", err: (&Product{Stock: 1}).Validate(), wantErr: true},
		{name: "negative stock", err: (&Product{Name: "x", Stock: -1}).Validate(), wantErr: true},
		{name: "valid sale", err: (&Sale{ProductName: "x", Quantity: 1, Date: now}).Validate()},
		{name: "sale zero quantity", err: (&Sale{ProductName: "x", Date: now}).Validate(), wantErr: true},
		{name: "sale without date", err: (&Sale{ProductName: "x", Quantity: 1}).Validate(), wantErr: true},
		{name: "client without name", err: (&Client{}).Validate(), wantErr: true},
		{name: "schedule ends early", err: (&Schedule{Title: "x", StartsAt: now, EndsAt: &before}).Validate(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if (tt.err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", tt.err, tt.wantErr)
			}
			if tt.err != nil && !errors.Is(tt.err, ErrInvalid) {
				t.Errorf("Validate() error %v does not wrap ErrInvalid", tt.err)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	for _, in := range []string{"sale", "Sales", " products "} {
		if _, err := ParseKind(in); err != nil {
			t.Errorf("ParseKind(%q) failed: %v", in, err)
		}
	}
	if _, err := ParseKind("invoice"); err == nil {
		t.Error("ParseKind accepted an unknown kind")
	}
	if KindSale.CacheTTL() != 2*time.Minute || KindClient.CacheTTL() != 5*time.Minute {
		t.Errorf("unexpected TTLs: sale=%v client=%v", KindSale.CacheTTL(), KindClient.CacheTTL())
	}
}

func TestTemporaryRefs(t *testing.T) {
	product := NewTemporaryID()
	client := NewTemporaryID()
	body := []byte(`{"productId":"` + product.String() + `","clientId":"` + client.String() + `","quantity":1}`)

	refs, err := TemporaryRefs(KindSale, body)
	if err != nil {
		t.Fatalf("TemporaryRefs() failed: %v", err)
	}
	if len(refs) != 2 || refs[0].Kind != KindProduct || !refs[0].ID.Equal(product) || refs[1].Kind != KindClient || !refs[1].ID.Equal(client) {
		t.Errorf("TemporaryRefs() = %+v", refs)
	}

	if refs, _ := TemporaryRefs(KindSale, []byte(`{"productId":"p-1","quantity":1}`)); len(refs) != 0 {
		t.Errorf("TemporaryRefs() of server refs = %+v, want none", refs)
	}
	if refs, _ := TemporaryRefs(KindProduct, body); len(refs) != 0 {
		t.Errorf("TemporaryRefs() of a kind without refs = %+v, want none", refs)
	}
}

func TestRebindRefs(t *testing.T) {
	product := NewTemporaryID()
	body := []byte(`{"productId":"` + product.String() + `","quantity":2}`)

	rebound, changed, err := RebindRefs(KindSale, body, KindProduct, product, ServerID("p-7"))
	if err != nil || !changed {
		t.Fatalf("RebindRefs() = %s, %v, %v", rebound, changed, err)
	}
	if !strings.Contains(string(rebound), `"productId":"p-7"`) || !strings.Contains(string(rebound), `"quantity":2`) {
		t.Errorf("RebindRefs() = %s", rebound)
	}

	dropped, changed, _ := RebindRefs(KindSale, body, KindProduct, product, ID{})
	if !changed || strings.Contains(string(dropped), "productId") {
		t.Errorf("RebindRefs() to zero = %s, want the field dropped", dropped)
	}

	other, changed, _ := RebindRefs(KindSale, body, KindProduct, NewTemporaryID(), ServerID("p-8"))
	if changed || string(other) != string(body) {
		t.Errorf("RebindRefs() of another id = %s, changed %v", other, changed)
	}
	if _, changed, _ := RebindRefs(KindSale, body, KindClient, product, ServerID("c-1")); changed {
		t.Error("RebindRefs() rewrote a field of another kind")
	}
}

func TestReferrers(t *testing.T) {
	if got := Referrers(KindClient); len(got) != 2 || got[0] != KindSale || got[1] != KindSchedule {
		t.Errorf("Referrers(client) = %v, want [sale schedule]", got)
	}
	if got := Referrers(KindProduct); len(got) != 1 || got[0] != KindSale {
		t.Errorf("Referrers(product) = %v, want [sale]", got)
	}
	if got := Referrers(KindSale); len(got) != 0 {
		t.Errorf("Referrers(sale) = %v, want none", got)
	}
}
