package schema

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies one of the server-owned entity collections mirrored locally.
type Kind string

const (
	KindProduct  Kind = "product"
	KindSale     Kind = "sale"
	KindClient   Kind = "client"
	KindSchedule Kind = "schedule"
)

// AllKinds lists every entity kind in a stable order.
var AllKinds = []Kind{KindProduct, KindSale, KindClient, KindSchedule}

// Path returns the remote collection path for the kind, e.g. "/products".
func (k Kind) Path() string {
	switch k {
	case KindProduct:
		return "/products"
	case KindSale:
		return "/sales"
	case KindClient:
		return "/clients"
	case KindSchedule:
		return "/schedules"
	default:
		return ""
	}
}

// Table returns the local table holding records of this kind.
func (k Kind) Table() string {
	switch k {
	case KindProduct:
		return "products"
	case KindSale:
		return "sales"
	case KindClient:
		return "clients"
	case KindSchedule:
		return "schedules"
	default:
		return ""
	}
}

// CacheTTL returns how long a cached listing of this kind stays fresh.
// Products and sales move with every transaction and get the short window.
func (k Kind) CacheTTL() time.Duration {
	switch k {
	case KindProduct, KindSale:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k.Path() != ""
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind accepts singular or plural kind names ("sale", "sales").
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, k := range AllKinds {
		if s == string(k) || s == k.Table() {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}
