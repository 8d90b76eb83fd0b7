package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tendero/shopsync/internal/schema"
)

func newTestStore(t *testing.T, users, products int) *TestStore {
	t.Helper()
	ts, err := CreateTestStore(filepath.Join(t.TempDir(), "load.db"), users, products)
	if err != nil {
		t.Fatalf("CreateTestStore() failed: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestCreateTestStore(t *testing.T) {
	ts := newTestStore(t, 3, 20)
	ctx := context.Background()

	if len(ts.Users) != 3 {
		t.Fatalf("users = %v, want 3", ts.Users)
	}
	for _, user := range ts.Users {
		products, err := ts.DB.GetAll(ctx, schema.KindProduct, user)
		if err != nil {
			t.Fatalf("GetAll(products, %s) failed: %v", user, err)
		}
		if len(products) != 20 {
			t.Errorf("%s has %d products, want 20", user, len(products))
		}
		sales, _ := ts.DB.GetAll(ctx, schema.KindSale, user)
		if len(sales) != 40 {
			t.Errorf("%s has %d sales, want 40", user, len(sales))
		}
	}

	total, err := ts.DB.Count(ctx, schema.KindProduct)
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if total != 60 {
		t.Errorf("total products = %d, want 60", total)
	}
}

func TestCreateTestStore_Invalid(t *testing.T) {
	if _, err := CreateTestStore(filepath.Join(t.TempDir(), "load.db"), 0, 10); err == nil {
		t.Error("expected an error for zero users")
	}
}

func TestConcurrentReads_Small(t *testing.T) {
	ts := newTestStore(t, 4, 25)

	stats, err := ts.RunConcurrentReads(10, 5)
	if err != nil {
		t.Fatalf("RunConcurrentReads() failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("got %d errors during reads", stats.Errors)
	}
	if stats.TotalQueries != 50 {
		t.Errorf("total reads = %d, want 50", stats.TotalQueries)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P95 || stats.P95 > stats.Max {
		t.Errorf("percentiles out of order: %+v", stats)
	}
}

func TestVerifyIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping isolation run in short mode")
	}
	ts := newTestStore(t, 3, 10)

	if err := ts.VerifyIsolation(6, 300*time.Millisecond); err != nil {
		t.Errorf("VerifyIsolation() failed: %v", err)
	}

	// The writer only updates existing products.
	products, _ := ts.DB.GetAll(context.Background(), schema.KindProduct, ts.Users[0])
	if len(products) != 10 {
		t.Errorf("%s has %d products after the run, want 10", ts.Users[0], len(products))
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(100-i) * time.Millisecond
	}

	stats := computeLatencyStats(durations)

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"Min", stats.Min, time.Millisecond},
		{"Max", stats.Max, 100 * time.Millisecond},
		{"P50", stats.P50, 51 * time.Millisecond},
		{"P95", stats.P95, 96 * time.Millisecond},
		{"P99", stats.P99, 100 * time.Millisecond},
		{"Mean", stats.Mean, 50500 * time.Microsecond},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if stats.TotalQueries != 100 {
		t.Errorf("TotalQueries = %d, want 100", stats.TotalQueries)
	}

	if empty := computeLatencyStats(nil); empty.TotalQueries != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	(&LatencyStats{TotalQueries: 3, P50: 2 * time.Millisecond}).WriteStats(&buf)

	out := buf.String()
	for _, want := range []string{"Total Reads:   3", "P50 (Median):  2ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
