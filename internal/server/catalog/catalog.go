// Package catalog reads product and stock facts from PostgreSQL. The cart
// service treats it as the source of truth for what exists, what it costs,
// and how many units remain; clients only ever send references, never prices.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/meridianlabs/cartsync/pkg/errors"
)

// DBTX is the subset of pgxpool.Pool the catalog needs. pgxmock satisfies it
// for tests.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Ref identifies one product variant.
type Ref struct {
	ProductID string
	VariantID string
}

// Product is a catalog row: display facts plus current stock.
type Product struct {
	ProductID string
	VariantID string
	Name      string
	ImageURL  string
	Price     int64
	Stock     int
}

// Catalog is a PostgreSQL-backed product lookup.
type Catalog struct {
	pool DBTX
}

// New creates a catalog over the given pool.
func New(pool DBTX) *Catalog {
	return &Catalog{pool: pool}
}

// Lookup resolves a set of product references in one query. Absent references
// are simply missing from the result map; the caller decides whether that is
// an error.
func (c *Catalog) Lookup(ctx context.Context, refs []Ref) (map[Ref]Product, error) {
	if len(refs) == 0 {
		return map[Ref]Product{}, nil
	}

	args := make([]any, 0, len(refs)*2)
	valueClauses := make([]string, 0, len(refs))
	for i, ref := range refs {
		p1 := strconv.Itoa(i*2 + 1)
		p2 := strconv.Itoa(i*2 + 2)
		valueClauses = append(valueClauses, "($"+p1+",$"+p2+")")
		args = append(args, ref.ProductID, ref.VariantID)
	}

	query := `
		SELECT product_id, variant_id, name, image_url, price, stock
		FROM products
		WHERE (product_id, variant_id) IN (VALUES ` + strings.Join(valueClauses, ", ") + `)`

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup products: %w", err)
	}
	defer rows.Close()

	result := make(map[Ref]Product, len(refs))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ProductID, &p.VariantID, &p.Name, &p.ImageURL, &p.Price, &p.Stock); err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		result[Ref{ProductID: p.ProductID, VariantID: p.VariantID}] = p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}

	return result, nil
}

// Available returns the current stock for one product variant.
func (c *Catalog) Available(ctx context.Context, productID, variantID string) (int, error) {
	query := `
		SELECT stock
		FROM products
		WHERE product_id = $1 AND variant_id = $2`

	var stock int
	err := c.pool.QueryRow(ctx, query, productID, variantID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.NotFound("product", productID)
		}
		return 0, fmt.Errorf("get product stock: %w", err)
	}

	return stock, nil
}
