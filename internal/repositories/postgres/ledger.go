package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/repositories"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Ledger is the relational InventoryLedger. Stock lives on products.available_quantity
// and every reservation is a row keyed by order id.
type Ledger struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var (
	_ repositories.InventoryLedger = (*Ledger)(nil)
	_ repositories.ProductCatalog  = (*Ledger)(nil)
)

func NewLedger(pool *pgxpool.Pool, clock func() time.Time) (*Ledger, error) {
	if pool == nil {
		return nil, errors.New("postgres ledger requires a pool")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{pool: pool, now: clock}, nil
}

// Migrate creates the ledger tables when they do not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Ping is used by the readiness probe.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func (l *Ledger) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	var p domain.Product
	err := l.pool.QueryRow(ctx, `
		SELECT id, name, price, currency, available_quantity, orderable, updated_at
		FROM products WHERE id = $1`, strings.TrimSpace(productID)).
		Scan(&p.ID, &p.Name, &p.Price, &p.Currency, &p.AvailableQuantity, &p.Orderable, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, repositories.NewInventoryError("catalog.get", repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
	}
	if err != nil {
		return domain.Product{}, unavailable("catalog.get", err)
	}
	return p, nil
}

func (l *Ledger) Available(ctx context.Context, productID string) (int, error) {
	product, err := l.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	return product.AvailableQuantity, nil
}

func (l *Ledger) ReserveUnit(ctx context.Context, productID, orderID string) (domain.InventoryReservation, error) {
	const op = "inventory.reserve"
	now := l.now().UTC()

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.InventoryReservation{}, unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE products
		SET available_quantity = available_quantity - 1, updated_at = $2
		WHERE id = $1 AND orderable AND available_quantity > 0`, productID, now)
	if err != nil {
		return domain.InventoryReservation{}, unavailable(op, err)
	}
	if ct.RowsAffected() != 1 {
		return domain.InventoryReservation{}, l.explainReserveMiss(ctx, tx, productID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO inventory_reservations (order_id, product_id, quantity, state, reserved_at)
		VALUES ($1, $2, 1, $3, $4)`, orderID, productID, string(domain.ReservationReserved), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.InventoryReservation{}, repositories.NewInventoryError(op, repositories.InventoryErrorAlreadyReserved, fmt.Sprintf("order %s already holds a reservation", orderID), err)
		}
		return domain.InventoryReservation{}, unavailable(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.InventoryReservation{}, unavailable(op, err)
	}
	return domain.InventoryReservation{
		OrderID:    orderID,
		ProductID:  productID,
		Quantity:   1,
		State:      domain.ReservationReserved,
		ReservedAt: now,
	}, nil
}

func (l *Ledger) explainReserveMiss(ctx context.Context, tx pgx.Tx, productID string) error {
	const op = "inventory.reserve"
	var (
		orderable bool
		available int
	)
	err := tx.QueryRow(ctx, `SELECT orderable, available_quantity FROM products WHERE id = $1`, productID).Scan(&orderable, &available)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return repositories.NewInventoryError(op, repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
	case err != nil:
		return unavailable(op, err)
	case !orderable:
		return repositories.NewInventoryError(op, repositories.InventoryErrorProductUnavailable, fmt.Sprintf("product %s is not orderable", productID), nil)
	default:
		return repositories.NewInventoryError(op, repositories.InventoryErrorOutOfStock, fmt.Sprintf("product %s is out of stock", productID), nil)
	}
}

func (l *Ledger) ReleaseUnit(ctx context.Context, orderID, reason string) (domain.InventoryReservation, bool, error) {
	const op = "inventory.release"
	now := l.now().UTC()

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.InventoryReservation{}, false, unavailable(op, err)
	}
	defer tx.Rollback(ctx)

	var (
		res   domain.InventoryReservation
		state string
	)
	err = tx.QueryRow(ctx, `
		SELECT order_id, product_id, quantity, state, reserved_at, released_at, reason
		FROM inventory_reservations WHERE order_id = $1 FOR UPDATE`, orderID).
		Scan(&res.OrderID, &res.ProductID, &res.Quantity, &state, &res.ReservedAt, &res.ReleasedAt, &res.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.InventoryReservation{}, false, repositories.NewInventoryError(op, repositories.InventoryErrorReservationMissing, fmt.Sprintf("no reservation for order %s", orderID), err)
	}
	if err != nil {
		return domain.InventoryReservation{}, false, unavailable(op, err)
	}
	res.State = domain.ReservationState(state)
	if res.State == domain.ReservationReleased {
		return res, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE products SET available_quantity = available_quantity + $2, updated_at = $3
		WHERE id = $1`, res.ProductID, res.Quantity, now); err != nil {
		return domain.InventoryReservation{}, false, unavailable(op, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE inventory_reservations SET state = $2, released_at = $3, reason = $4
		WHERE order_id = $1`, orderID, string(domain.ReservationReleased), now, reason); err != nil {
		return domain.InventoryReservation{}, false, unavailable(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.InventoryReservation{}, false, unavailable(op, err)
	}
	res.State = domain.ReservationReleased
	res.ReleasedAt = &now
	res.Reason = reason
	return res, true, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return repositories.NewInventoryError(op, repositories.InventoryErrorUnavailable, "inventory backend unavailable", err)
}
