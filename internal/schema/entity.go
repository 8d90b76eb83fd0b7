package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalid marks an entity that fails local validation.
var ErrInvalid = errors.New("invalid entity")

// Ident carries the identity and owner every entity shares.
// ID is never serialized by encoding/json; the wire and local codecs
// place it explicitly.
type Ident struct {
	ID     ID     `json:"-"`
	UserID string `json:"userId,omitempty"`
}

// Entity is implemented by pointers to the four record types.
type Entity[E any] interface {
	Kind() Kind
	Identity() *Ident
	Clone() E
	Validate() error
}

// ContentKeyer is implemented by kinds that can be deduplicated by content
// when the same record is transiently held twice (optimistic and confirmed).
type ContentKeyer interface {
	ContentKey() string
}

// Product is a stocked item.
type Product struct {
	Ident
	Name     string  `json:"name"`
	SKU      string  `json:"sku,omitempty"`
	Category string  `json:"category,omitempty"`
	Price    float64 `json:"price"`
	Stock    int     `json:"stock"`
	MinStock int     `json:"minStock"`
}

func (p *Product) Kind() Kind { return KindProduct }
func (p *Product) Identity() *Ident { return &p.Ident }
func (p *Product) Clone() *Product {
	c := *p
	return &c
}

// Validate checks the product fields the server would reject anyway.
func (p *Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalid)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: stock must not be negative (got %d)", ErrInvalid, p.Stock)
	}
	if p.MinStock < 0 {
		return fmt.Errorf("%w: minimum stock must not be negative (got %d)", ErrInvalid, p.MinStock)
	}
	if p.Price < 0 || math.IsNaN(p.Price) {
		return fmt.Errorf("%w: price must not be negative", ErrInvalid)
	}
	return nil
}

// Sale records units of a product sold on a given day.
type Sale struct {
	Ident
	ProductID   string    `json:"productId,omitempty"`
	ProductName string    `json:"productName"`
	ClientID    string    `json:"clientId,omitempty"`
	Quantity    int       `json:"quantity"`
	Revenue     float64   `json:"revenue"`
	Date        time.Time `json:"date"`
}

func (s *Sale) Kind() Kind { return KindSale }
func (s *Sale) Identity() *Ident { return &s.Ident }
func (s *Sale) Clone() *Sale {
	c := *s
	return &c
}

func (s *Sale) Validate() error {
	if strings.TrimSpace(s.ProductName) == "" && s.ProductID == "" {
		return fmt.Errorf("%w: sale needs a product", ErrInvalid)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive (got %d)", ErrInvalid, s.Quantity)
	}
	if s.Revenue < 0 || math.IsNaN(s.Revenue) {
		return fmt.Errorf("%w: revenue must not be negative", ErrInvalid)
	}
	if s.Date.IsZero() {
		return fmt.Errorf("%w: sale date is required", ErrInvalid)
	}
	return nil
}

// ContentKey composes product name, calendar day, quantity and revenue.
func (s *Sale) ContentKey() string {
	return fmt.Sprintf("%s|%s|%d|%.2f",
		strings.ToLower(strings.TrimSpace(s.ProductName)),
		s.Date.UTC().Format("2006-01-02"),
		s.Quantity,
		s.Revenue,
	)
}

// Client is a customer of the business.
type Client struct {
	Ident
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
	Notes string `json:"notes,omitempty"`
}

func (c *Client) Kind() Kind { return KindClient }
func (c *Client) Identity() *Ident { return &c.Ident }
func (c *Client) Clone() *Client {
	cp := *c
	return &cp
}

func (c *Client) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: client name is required", ErrInvalid)
	}
	return nil
}

// Schedule is an appointment, optionally tied to a client.
type Schedule struct {
	Ident
	Title    string     `json:"title"`
	ClientID string     `json:"clientId,omitempty"`
	StartsAt time.Time  `json:"startsAt"`
	EndsAt   *time.Time `json:"endsAt,omitempty"`
	Notes    string     `json:"notes,omitempty"`
}

func (s *Schedule) Kind() Kind { return KindSchedule }
func (s *Schedule) Identity() *Ident { return &s.Ident }

func (s *Schedule) Clone() *Schedule {
	c := *s
	if s.EndsAt != nil {
		end := *s.EndsAt
		c.EndsAt = &end
	}
	return &c
}

func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: schedule title is required", ErrInvalid)
	}
	if s.StartsAt.IsZero() {
		return fmt.Errorf("%w: schedule start is required", ErrInvalid)
	}
	if s.EndsAt != nil && s.EndsAt.Before(s.StartsAt) {
		return fmt.Errorf("%w: schedule ends before it starts", ErrInvalid)
	}
	return nil
}
