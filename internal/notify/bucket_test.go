package notify

import (
	"reflect"
	"testing"
	"time"

	"github.com/tendero/shopsync/internal/db"
	"github.com/tendero/shopsync/internal/schema"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		stock, min int
		want       Bucket
	}{
		{10, 5, BucketNormal},
		{6, 5, BucketNormal},
		{5, 5, BucketLow},
		{1, 5, BucketLow},
		{0, 5, BucketOut},
		{-2, 5, BucketOut},
		{0, 0, BucketOut},
		{1, 0, BucketNormal},
	}

	for _, tt := range tests {
		if got := Classify(tt.stock, tt.min); got != tt.want {
			t.Errorf("Classify(%d, %d) = %s, want %s", tt.stock, tt.min, got, tt.want)
		}
	}
}

func testProduct(id string, stock, min int) *schema.Product {
	p := &schema.Product{Name: "Widget", Stock: stock, MinStock: min}
	p.ID = schema.ServerID(id)
	return p
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	obs := func(bucket Bucket) *db.Observation {
		return &db.Observation{UserID: "u1", ProductID: "p1", Bucket: string(bucket)}
	}

	tests := []struct {
		name     string
		prev     *db.Observation
		stock    int
		show     string
		withdraw []string
	}{
		{"first sighting normal", nil, 10, "", nil},
		{"first sighting low", nil, 3, "stock-low-p1", []string{"stock-out-p1"}},
		{"first sighting out", nil, 0, "stock-out-p1", []string{"stock-low-p1"}},
		{"normal to low", obs(BucketNormal), 3, "stock-low-p1", []string{"stock-out-p1"}},
		{"low stays low", obs(BucketLow), 2, "", nil},
		{"low to out", obs(BucketLow), 0, "stock-out-p1", []string{"stock-low-p1"}},
		{"out stays out", obs(BucketOut), 0, "", nil},
		{"out to low", obs(BucketOut), 4, "stock-low-p1", []string{"stock-out-p1"}},
		{"out resolved", obs(BucketOut), 6, "", []string{"stock-low-p1", "stock-out-p1"}},
		{"low resolved", obs(BucketLow), 9, "", []string{"stock-low-p1", "stock-out-p1"}},
		{"unknown stored bucket reads normal", obs("weird"), 9, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.prev, testProduct("p1", tt.stock, 5), "u1", now)

			show := ""
			if d.Show != nil {
				show = d.Show.Tag
			}
			if show != tt.show {
				t.Errorf("Show = %q, want %q", show, tt.show)
			}
			if !reflect.DeepEqual(d.Withdraw, tt.withdraw) {
				t.Errorf("Withdraw = %v, want %v", d.Withdraw, tt.withdraw)
			}

			want := db.Observation{UserID: "u1", ProductID: "p1", LastStock: tt.stock, MinStock: 5, Bucket: string(Classify(tt.stock, 5)), ObservedAt: now}
			if d.Next != want {
				t.Errorf("Next = %+v, want %+v", d.Next, want)
			}
		})
	}
}

func TestEvaluate_NotificationText(t *testing.T) {
	d := Evaluate(nil, testProduct("p1", 3, 5), "u1", time.Now())
	if d.Show == nil {
		t.Fatal("no notification for low stock")
	}
	if d.Show.Title != "Low stock: Widget" || d.Show.Body != "Only 3 left of Widget (minimum 5)." {
		t.Errorf("notification = %q / %q", d.Show.Title, d.Show.Body)
	}
	if d.Show.ProductID != "p1" || d.Show.Bucket != BucketLow || d.Show.UserID != "u1" {
		t.Errorf("notification = %+v", d.Show)
	}
}
