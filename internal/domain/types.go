package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type ProductID int

type Product struct {
	ID    ProductID       `json:"id"`
	Title string          `json:"title"`
	Price decimal.Decimal `json:"price"`
	Image string          `json:"image"`
}

// Item is a cart line: the product as captured when it was added plus the
// requested amount.
type Item struct {
	Product
	Amount int `json:"amount"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Amount)))
}

// Cart is ordered by insertion and holds at most one Item per ProductID.
type Cart []Item

func (c Cart) Index(id ProductID) int {
	return slices.IndexFunc(c, func(it Item) bool { return it.ID == id })
}

func (c Cart) Clone() Cart {
	if c == nil {
		return Cart{}
	}
	return slices.Clone(c)
}

// Count is the number of units across all lines.
func (c Cart) Count() int {
	n := 0
	for _, it := range c {
		n += it.Amount
	}
	return n
}

func (c Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c {
		total = total.Add(it.Subtotal())
	}
	return total
}

type Stock struct {
	ID     ProductID `json:"id"`
	Amount int       `json:"amount"`
}

type QuantityInput struct {
	ProductID ProductID
	Desired   int
	Available int
}

type QuantityDecision struct {
	Allowed    bool   `json:"allowed"`
	DenyReason string `json:"deny_reason,omitempty"`
}

type EventType string

const (
	EventCartUpdated EventType = "CartUpdated"
)

type Event struct {
	ID        string    `json:"event_id"`
	Type      EventType `json:"event_type"`
	Cart      Cart      `json:"cart"`
	Count     int       `json:"count"`
	Total     string    `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

type Notice struct {
	ID        string    `json:"notice_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
