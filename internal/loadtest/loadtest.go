// Package loadtest exercises the Local Store under concurrent access.
//
// The foreground coordinators, the notification engine and the CLI all read
// the same SQLite file while drains write to it. This package seeds a store
// with several users' data and measures read latency with many concurrent
// readers, and checks that reads never cross user partitions while writes
// are in flight.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/schema"
)

// TestStore is a populated store for load testing.
type TestStore struct {
	DB              *db.DB
	Users           []string
	ProductsPerUser int
	SalesPerUser    int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// CreateTestStore creates a store at path holding numUsers users, each with
// productsPerUser products and twice as many sales.
func CreateTestStore(path string, numUsers, productsPerUser int) (*TestStore, error) {
	if numUsers <= 0 || productsPerUser <= 0 {
		return nil, errors.New("users and products per user must be positive")
	}

	store, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Room for many concurrent readers
	store.RawDB().SetMaxOpenConns(64)
	store.RawDB().SetMaxIdleConns(16)

	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ts := &TestStore{
		DB:              store,
		ProductsPerUser: productsPerUser,
		SalesPerUser:    productsPerUser * 2,
	}

	ctx := context.Background()
	for u := 0; u < numUsers; u++ {
		user := fmt.Sprintf("user-%03d", u)
		ts.Users = append(ts.Users, user)

		for _, p := range generateProducts(user, productsPerUser) {
			if err := put(ctx, store, p, user); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		for _, s := range generateSales(user, ts.SalesPerUser) {
			if err := put(ctx, store, s, user); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
	}

	return ts, nil
}

func put[E schema.Entity[E]](ctx context.Context, store *db.DB, e E, user string) error {
	body, err := schema.EncodeLocal(e)
	if err != nil {
		return err
	}
	_, err = store.Put(ctx, e.Kind(), db.Record{
		ID:        e.Identity().ID,
		UserID:    user,
		Payload:   body,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", e.Kind(), e.Identity().ID, err)
	}
	return nil
}

// Close closes the store.
func (ts *TestStore) Close() error {
	if ts.DB != nil {
		return ts.DB.Close()
	}
	return nil
}

// RunConcurrentReads simulates numReaders readers, each loading one user's
// products readsPerReader times. Reader i reads user i mod len(Users).
func (ts *TestStore) RunConcurrentReads(numReaders, readsPerReader int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	results := make(chan []time.Duration, numReaders)
	failures := make(chan error, numReaders)

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()

			user := ts.Users[reader%len(ts.Users)]
			durations := make([]time.Duration, 0, readsPerReader)
			ctx := context.Background()

			for j := 0; j < readsPerReader; j++ {
				start := time.Now()
				records, err := ts.DB.GetAll(ctx, schema.KindProduct, user)
				durations = append(durations, time.Since(start))

				if err != nil {
					failures <- fmt.Errorf("reader %d read %d failed: %w", reader, j, err)
					break
				}
				if len(records) != ts.ProductsPerUser {
					failures <- fmt.Errorf("reader %d saw %d products of %s, want %d", reader, len(records), user, ts.ProductsPerUser)
					break
				}
			}
			results <- durations
		}(i)
	}

	wg.Wait()
	close(results)
	close(failures)

	var all []time.Duration
	for durations := range results {
		all = append(all, durations...)
	}
	var errs []error
	for err := range failures {
		errs = append(errs, err)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no reads completed: %w", errors.Join(errs...))
	}

	stats := computeLatencyStats(all)
	stats.Errors = len(errs)
	return stats, errors.Join(errs...)
}

// VerifyIsolation runs readers against every user while a writer keeps
// upserting products for the first user, for duration. It fails if a reader
// ever sees another user's record or an undecodable body.
func (ts *TestStore) VerifyIsolation(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	failures := make(chan error, numReaders+1)

	// Writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		owner := ts.Users[0]
		rng := rand.New(rand.NewSource(7))
		for i := 0; ctx.Err() == nil; i++ {
			p := generateProducts(owner, ts.ProductsPerUser)[rng.Intn(ts.ProductsPerUser)]
			p.Stock = rng.Intn(50)
			if err := put(ctx, ts.DB, p, owner); err != nil && ctx.Err() == nil {
				failures <- fmt.Errorf("writer update %d: %w", i, err)
				return
			}
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			user := ts.Users[reader%len(ts.Users)]

			for ctx.Err() == nil {
				records, err := ts.DB.GetAll(ctx, schema.KindProduct, user)
				if err != nil {
					if ctx.Err() == nil {
						failures <- fmt.Errorf("reader %d read failed: %w", reader, err)
					}
					return
				}
				for _, r := range records {
					if r.UserID != user {
						failures <- fmt.Errorf("reader %d asked for %s and got a record of %s", reader, user, r.UserID)
						return
					}
					if _, err := schema.DecodeLocal[*schema.Product](r.Payload, r.ID, r.UserID); err != nil {
						failures <- fmt.Errorf("reader %d: %w", reader, err)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(failures)

	var errs []error
	for err := range failures {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// generateProducts returns count products with stable server ids, so that
// generating them again addresses the same records.
func generateProducts(user string, count int) []*schema.Product {
	categories := []string{"bakery", "dairy", "drinks", "pantry"}
	products := make([]*schema.Product, count)
	for i := range products {
		p := &schema.Product{
			Name:     fmt.Sprintf("Product %d", i),
			SKU:      fmt.Sprintf("SKU-%05d", i),
			Category: categories[i%len(categories)],
			Price:    float64(100 + i*5),
			Stock:    i % 20,
			MinStock: 5,
		}
		p.ID = schema.ServerID(fmt.Sprintf("%s-p%05d", user, i))
		products[i] = p
	}
	return products
}

func generateSales(user string, count int) []*schema.Sale {
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	sales := make([]*schema.Sale, count)
	for i := range sales {
		s := &schema.Sale{
			ProductName: fmt.Sprintf("Product %d", i/2),
			Quantity:    1 + i%3,
			Revenue:     float64(100 * (1 + i%3)),
			Date:        base.Add(time.Duration(i) * time.Hour),
		}
		s.ID = schema.ServerID(fmt.Sprintf("%s-s%05d", user, i))
		sales[i] = s
	}
	return sales
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
	}
}

// WriteStats formats latency statistics to w.
func (s *LatencyStats) WriteStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Reads:   %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
