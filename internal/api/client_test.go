package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/h2non/gock"

	"github.com/tendero/shopsync/internal/schema"
	"github.com/tendero/shopsync/internal/session"
	"github.com/tendero/shopsync/internal/transport"
)

const testBase = "http://api.shopsync.test"

func newTestClient(t *testing.T, userID string) *Client {
	t.Helper()
	httpClient := &http.Client{}
	gock.InterceptClient(httpClient)
	t.Cleanup(func() {
		gock.RestoreClient(httpClient)
		gock.Off()
	})

	exec := transport.NewExecutor(transport.Config{
		Client: httpClient,
		Logger: log.New(io.Discard, "", 0),
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	c, err := New(testBase+"/", exec, session.New(userID))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return c
}

func TestNew_InvalidBase(t *testing.T) {
	for _, base := range []string{"", "not a url", "/relative"} {
		if _, err := New(base, nil, nil); err == nil {
			t.Errorf("New(%q) succeeded, want error", base)
		}
	}
}

func TestList_Envelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":1},{"id":2}]`, 2},
		{"data envelope", `{"data":[{"id":1}]}`, 1},
		{"items envelope", `{"items":[{"id":1},{"id":2},{"id":3}]}`, 3},
		{"empty", `[]`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, "u1")
			gock.New(testBase).Get("/products").MatchHeader(UserHeader, "u1").Reply(200).BodyString(tt.body)

			items, err := c.List(context.Background(), schema.KindProduct)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			if len(items) != tt.want {
				t.Errorf("List() returned %d items, want %d", len(items), tt.want)
			}
		})
	}
}

func TestCall_WithoutUserFailsBeforeDispatch(t *testing.T) {
	c := newTestClient(t, "")

	_, err := c.List(context.Background(), schema.KindClient)
	if !errors.Is(err, transport.ErrUnauthenticated) {
		t.Fatalf("List() error = %v, want ErrUnauthenticated", err)
	}
	if gock.HasUnmatchedRequest() {
		t.Error("request was dispatched without a user")
	}
}

func TestWithUser_OverridesSession(t *testing.T) {
	c := newTestClient(t, "u1")
	gock.New(testBase).Post("/clients").MatchHeader(UserHeader, "u2").Reply(201).JSON(map[string]any{"id": "c9", "name": "Ana"})

	raw, err := c.Create(WithUser(context.Background(), "u2"), schema.KindClient, []byte(`{"name":"Ana"}`))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	client, err := schema.DecodeWire[*schema.Client](raw)
	if err != nil {
		t.Fatalf("DecodeWire() failed: %v", err)
	}
	if !client.ID.Equal(schema.ServerID("c9")) {
		t.Errorf("ID = %v, want c9", client.ID)
	}
}

func TestCreate_DataEnvelope(t *testing.T) {
	c := newTestClient(t, "u1")
	gock.New(testBase).Post("/products").Reply(201).BodyString(`{"data":{"id":5,"name":"Widget"}}`)

	raw, err := c.Create(context.Background(), schema.KindProduct, []byte(`{"name":"Widget"}`))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	p, err := schema.DecodeWire[*schema.Product](raw)
	if err != nil {
		t.Fatalf("DecodeWire() failed: %v", err)
	}
	if !p.ID.Equal(schema.ServerID("5")) {
		t.Errorf("ID = %v, want 5", p.ID)
	}
}

func TestCreateSalesBulk(t *testing.T) {
	c := newTestClient(t, "u1")
	gock.New(testBase).
		Post("/sales/bulk").
		Reply(201).
		JSON([]map[string]any{{"id": "s1", "quantity": 1}, {"id": "s2", "quantity": 2}})

	out, err := c.CreateSalesBulk(context.Background(), []json.RawMessage{
		json.RawMessage(`{"quantity":1}`),
		json.RawMessage(`{"quantity":2}`),
	})
	if err != nil {
		t.Fatalf("CreateSalesBulk() failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("CreateSalesBulk() returned %d, want 2", len(out))
	}
}

func TestCreateSalesBulk_CountMismatch(t *testing.T) {
	c := newTestClient(t, "u1")
	gock.New(testBase).Post("/sales/bulk").Reply(201).JSON([]map[string]any{{"id": "s1"}})

	_, err := c.CreateSalesBulk(context.Background(), []json.RawMessage{
		json.RawMessage(`{"quantity":1}`),
		json.RawMessage(`{"quantity":2}`),
	})
	if err == nil {
		t.Fatal("CreateSalesBulk() succeeded with short response")
	}
}

func TestTemporaryTargetRefused(t *testing.T) {
	c := newTestClient(t, "u1")
	temp := schema.NewTemporaryID()

	if _, err := c.Update(context.Background(), schema.KindSale, temp, []byte(`{}`)); !errors.Is(err, ErrTemporaryID) {
		t.Errorf("Update() error = %v, want ErrTemporaryID", err)
	}
	if err := c.Delete(context.Background(), schema.KindSale, temp); !errors.Is(err, ErrTemporaryID) {
		t.Errorf("Delete() error = %v, want ErrTemporaryID", err)
	}
}

func TestTemporaryReferenceRefused(t *testing.T) {
	c := newTestClient(t, "u1")
	product := schema.NewTemporaryID()
	body := []byte(`{"productId":"` + product.String() + `","quantity":1}`)

	if _, err := c.Create(context.Background(), schema.KindSale, body); !errors.Is(err, ErrTemporaryID) {
		t.Errorf("Create() error = %v, want ErrTemporaryID", err)
	}
	if _, err := c.CreateSalesBulk(context.Background(), []json.RawMessage{json.RawMessage(`{"quantity":1}`), body}); !errors.Is(err, ErrTemporaryID) {
		t.Errorf("CreateSalesBulk() error = %v, want ErrTemporaryID", err)
	}
	if _, err := c.Update(context.Background(), schema.KindSale, schema.ServerID("s1"), body); !errors.Is(err, ErrTemporaryID) {
		t.Errorf("Update() error = %v, want ErrTemporaryID", err)
	}
	if gock.HasUnmatchedRequest() {
		t.Error("a request carrying a temporary reference reached the network")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	c := newTestClient(t, "u1")
	gock.New(testBase).Put("/schedules/42").Reply(200).JSON(map[string]any{"id": 42, "title": "Visit"})
	gock.New(testBase).Delete("/schedules/42").Reply(204)
	gock.New(testBase).Delete("/schedules/43").Reply(404)

	if _, err := c.Update(context.Background(), schema.KindSchedule, schema.ServerID("42"), []byte(`{"title":"Visit"}`)); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if err := c.Delete(context.Background(), schema.KindSchedule, schema.ServerID("42")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := c.Delete(context.Background(), schema.KindSchedule, schema.ServerID("43")); err != nil {
		t.Errorf("Delete() of missing record = %v, want nil", err)
	}
	if !gock.IsDone() {
		t.Error("pending mocks remain")
	}
}

func TestRejectionSurfacesStatus(t *testing.T) {
	c := newTestClient(t, "u1")
	gock.New(testBase).Post("/sales").Reply(400).JSON(map[string]string{"message": "quantity must be positive"})

	_, err := c.Create(context.Background(), schema.KindSale, []byte(`{"quantity":0}`))
	if !transport.IsRejected(err) {
		t.Fatalf("Create() error = %v, want rejection", err)
	}
}
