package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"shopcart/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Catalog reads products and available stock straight from the catalog
// database instead of going through its HTTP API.
type Catalog struct {
	db *sql.DB
}

func Open(dsn string) (*Catalog, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Product(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	var p domain.Product
	var price string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, title, price, image
		FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.Title, &price, &p.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product %d: %w", id, err)
	}
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("parse price of product %d: %w", id, err)
	}
	return p, nil
}

func (c *Catalog) Stock(ctx context.Context, id domain.ProductID) (domain.Stock, error) {
	var amount int
	err := c.db.QueryRowContext(ctx, `
		SELECT stock FROM inventory WHERE item_id = ?`, id,
	).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Stock{}, fmt.Errorf("stock %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Stock{}, fmt.Errorf("query stock %d: %w", id, err)
	}
	return stockRecord(id, amount)
}

func stockRecord(id domain.ProductID, amount int) (domain.Stock, error) {
	if amount < 0 {
		return domain.Stock{}, fmt.Errorf("stock %d: negative amount %d", id, amount)
	}
	return domain.Stock{ID: id, Amount: amount}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
