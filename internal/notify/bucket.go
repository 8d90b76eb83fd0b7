package notify

import (
	"fmt"
	"time"

	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/schema"
)

// Bucket classifies a stock level against its minimum.
type Bucket string

const (
	BucketNormal Bucket = "normal"
	BucketLow    Bucket = "low"
	BucketOut    Bucket = "out"
)

// Classify returns the bucket of stock relative to minStock. Negative stock
// counts as out of stock.
func Classify(stock, minStock int) Bucket {
	switch {
	case stock <= 0:
		return BucketOut
	case stock <= minStock:
		return BucketLow
	default:
		return BucketNormal
	}
}

// Alerting reports whether entering b shows a notification.
func (b Bucket) Alerting() bool {
	return b == BucketLow || b == BucketOut
}

func parseBucket(s string) Bucket {
	switch Bucket(s) {
	case BucketLow, BucketOut:
		return Bucket(s)
	default:
		return BucketNormal
	}
}

// Tag returns the notification tag of productID in bucket b.
func Tag(b Bucket, productID string) string {
	return fmt.Sprintf("stock-%s-%s", b, productID)
}

// Tags returns every tag productID can carry.
func Tags(productID string) []string {
	return []string{Tag(BucketLow, productID), Tag(BucketOut, productID)}
}

// Notification is one alert for the operating system (or any Notifier).
type Notification struct {
	Tag         string    `json:"tag"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	UserID      string    `json:"userId,omitempty"`
	ProductID   string    `json:"productId,omitempty"`
	ProductName string    `json:"productName,omitempty"`
	Bucket      Bucket    `json:"bucket,omitempty"`
	Stock       int       `json:"stock"`
	MinStock    int       `json:"minStock"`
	At          time.Time `json:"at"`
}

// Decision is the outcome of comparing one product with its previous
// observation.
type Decision struct {
	// Show is set when the product entered the low or out bucket.
	Show *Notification

	// Withdraw lists the tags to remove before Show is displayed.
	Withdraw []string

	// Next replaces the stored observation.
	Next db.Observation
}

// Changed reports whether any notification work is needed.
func (d Decision) Changed() bool {
	return d.Show != nil || len(d.Withdraw) > 0
}

// Evaluate compares p with prev, the last observation of the same product
// (nil when the product has not been seen before, which reads as normal).
// It is a pure function of its arguments.
func Evaluate(prev *db.Observation, p *schema.Product, userID string, now time.Time) Decision {
	productID := p.ID.String()
	bucket := Classify(p.Stock, p.MinStock)

	last := BucketNormal
	if prev != nil {
		last = parseBucket(prev.Bucket)
	}

	d := Decision{
		Next: db.Observation{
			UserID:     userID,
			ProductID:  productID,
			LastStock:  p.Stock,
			MinStock:   p.MinStock,
			Bucket:     string(bucket),
			ObservedAt: now,
		},
	}
	if bucket == last {
		return d
	}

	switch bucket {
	case BucketNormal:
		d.Withdraw = Tags(productID)
	case BucketLow:
		d.Withdraw = []string{Tag(BucketOut, productID)}
		d.Show = alert(p, bucket, userID, now)
	case BucketOut:
		d.Withdraw = []string{Tag(BucketLow, productID)}
		d.Show = alert(p, bucket, userID, now)
	}
	return d
}

func alert(p *schema.Product, b Bucket, userID string, now time.Time) *Notification {
	n := &Notification{
		Tag:         Tag(b, p.ID.String()),
		UserID:      userID,
		ProductID:   p.ID.String(),
		ProductName: p.Name,
		Bucket:      b,
		Stock:       p.Stock,
		MinStock:    p.MinStock,
		At:          now,
	}
	if b == BucketOut {
		n.Title = "Out of stock: " + p.Name
		n.Body = fmt.Sprintf("%s has run out (minimum %d).", p.Name, p.MinStock)
	} else {
		n.Title = "Low stock: " + p.Name
		n.Body = fmt.Sprintf("Only %d left of %s (minimum %d).", p.Stock, p.Name, p.MinStock)
	}
	return n
}
