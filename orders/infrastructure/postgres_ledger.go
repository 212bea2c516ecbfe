// Package infrastructure binds the saga to its external collaborators: the
// relational audit/idempotency ledger, the durable-execution engine client,
// and the messaging adapters.
package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trellis-commerce/order-lifecycle/orders/domain"
)

// PostgresLedger is the audit/idempotency store. It holds the last-known
// order projection, the append-only event trail, and the payment records that
// make the charge step safe under retry. Every mutation is a single-row
// atomic statement; no cross-key transactions exist.
type PostgresLedger struct {
	db *sqlx.DB
}

// NewPostgresLedger wraps an open connection pool.
func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// InitSchema creates the ledger tables if they do not exist.
func (l *PostgresLedger) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			address_json JSONB,
			items_json JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			status TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload_json JSONB,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_order_id_idx ON events (order_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "init ledger schema")
		}
	}
	return nil
}

type orderRow struct {
	ID          string    `db:"id"`
	State       string    `db:"state"`
	AddressJSON []byte    `db:"address_json"`
	ItemsJSON   []byte    `db:"items_json"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r orderRow) toDomain() (domain.Order, error) {
	order := domain.Order{
		ID:        r.ID,
		State:     domain.OrderState(r.State),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.AddressJSON) > 0 {
		var addr domain.Address
		if err := json.Unmarshal(r.AddressJSON, &addr); err != nil {
			return domain.Order{}, errors.Wrap(err, "decode order address")
		}
		order.Address = &addr
	}
	if len(r.ItemsJSON) > 0 {
		if err := json.Unmarshal(r.ItemsJSON, &order.Items); err != nil {
			return domain.Order{}, errors.Wrap(err, "decode order items")
		}
	}
	return order, nil
}

// InsertOrderIfAbsent stores a new order projection or returns the existing
// one, reporting whether the insert happened.
func (l *PostgresLedger) InsertOrderIfAbsent(ctx context.Context, order domain.Order) (domain.Order, bool, error) {
	addressJSON, itemsJSON, err := encodeOrder(order)
	if err != nil {
		return domain.Order{}, false, err
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO orders (id, state, address_json, items_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		order.ID, order.State, addressJSON, itemsJSON, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, false, errors.Wrap(err, "insert order")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, false, errors.Wrap(err, "insert order rows affected")
	}

	stored, err := l.GetOrder(ctx, order.ID)
	if err != nil {
		return domain.Order{}, false, err
	}
	if stored == nil {
		return domain.Order{}, false, errors.New("order missing after insert")
	}
	return *stored, affected == 1, nil
}

// SetOrderState advances the projection. Terminal states are never overwritten.
func (l *PostgresLedger) SetOrderState(ctx context.Context, orderID string, state domain.OrderState) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE orders
		SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ('completed', 'cancelled', 'failed')`,
		orderID, state,
	)
	return errors.Wrapf(err, "set order %s state %s", orderID, state)
}

// UpdateOrderAddress replaces the projection's shipping address.
func (l *PostgresLedger) UpdateOrderAddress(ctx context.Context, orderID string, address domain.Address) error {
	addressJSON, err := json.Marshal(address)
	if err != nil {
		return errors.Wrap(err, "encode address")
	}
	_, err = l.db.ExecContext(ctx, `
		UPDATE orders
		SET address_json = $2, updated_at = NOW()
		WHERE id = $1`,
		orderID, addressJSON,
	)
	return errors.Wrapf(err, "update order %s address", orderID)
}

// GetOrder reads one projection. Returns nil when unknown.
func (l *PostgresLedger) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var row orderRow
	err := l.db.GetContext(ctx, &row, `
		SELECT id, state, address_json, items_json, created_at, updated_at
		FROM orders WHERE id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", orderID)
	}
	order, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders returns known projections, newest first.
func (l *PostgresLedger) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []orderRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT id, state, address_json, items_json, created_at, updated_at
		FROM orders ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	orders := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		order, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

type paymentRow struct {
	PaymentID string    `db:"payment_id"`
	OrderID   string    `db:"order_id"`
	Status    string    `db:"status"`
	Amount    float64   `db:"amount"`
	CreatedAt time.Time `db:"created_at"`
}

func (r paymentRow) toDomain() domain.Payment {
	return domain.Payment{
		ID:        r.PaymentID,
		OrderID:   r.OrderID,
		Status:    domain.PaymentStatus(r.Status),
		Amount:    r.Amount,
		CreatedAt: r.CreatedAt,
	}
}

// GetPayment reads one payment record. Returns nil when absent.
func (l *PostgresLedger) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	var row paymentRow
	err := l.db.GetContext(ctx, &row, `
		SELECT payment_id, order_id, status, amount, created_at
		FROM payments WHERE payment_id = $1`, paymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get payment %s", paymentID)
	}
	payment := row.toDomain()
	return &payment, nil
}

// InsertPaymentIfAbsent records a charge outcome exactly once per payment
// identifier. Key uniqueness is enforced at the storage layer, so concurrent
// or retried attempts converge on a single stored outcome.
func (l *PostgresLedger) InsertPaymentIfAbsent(ctx context.Context, payment domain.Payment) (domain.Payment, bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, order_id, status, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id) DO NOTHING`,
		payment.ID, payment.OrderID, payment.Status, payment.Amount, payment.CreatedAt,
	)
	if err != nil {
		return domain.Payment{}, false, errors.Wrap(err, "insert payment")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Payment{}, false, errors.Wrap(err, "insert payment rows affected")
	}

	stored, err := l.GetPayment(ctx, payment.ID)
	if err != nil {
		return domain.Payment{}, false, err
	}
	if stored == nil {
		return domain.Payment{}, false, errors.New("payment missing after insert")
	}
	return *stored, affected == 1, nil
}

// AppendEvent writes one audit record. Append-only; rows are never updated.
func (l *PostgresLedger) AppendEvent(ctx context.Context, event domain.Event) error {
	var payload interface{}
	if event.Payload != "" {
		payload = event.Payload
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO events (order_id, type, payload_json, ts)
		VALUES ($1, $2, $3, $4)`,
		event.OrderID, event.Type, payload, ts,
	)
	return errors.Wrapf(err, "append %s event", event.Type)
}

type eventRow struct {
	ID          int64     `db:"id"`
	OrderID     string    `db:"order_id"`
	Type        string    `db:"type"`
	PayloadJSON []byte    `db:"payload_json"`
	TS          time.Time `db:"ts"`
}

// ListEvents returns the audit trail for an order in append order.
func (l *PostgresLedger) ListEvents(ctx context.Context, orderID string) ([]domain.Event, error) {
	var rows []eventRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT id, order_id, type, payload_json, ts
		FROM events WHERE order_id = $1 ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "list events for %s", orderID)
	}
	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, domain.Event{
			ID:        row.ID,
			OrderID:   row.OrderID,
			Type:      row.Type,
			Payload:   string(row.PayloadJSON),
			Timestamp: row.TS,
		})
	}
	return events, nil
}

func encodeOrder(order domain.Order) (addressJSON, itemsJSON []byte, err error) {
	if order.Address != nil {
		addressJSON, err = json.Marshal(order.Address)
		if err != nil {
			return nil, nil, errors.Wrap(err, "encode address")
		}
	}
	items := order.Items
	if items == nil {
		items = []domain.LineItem{}
	}
	itemsJSON, err = json.Marshal(items)
	if err != nil {
		return nil, nil, errors.Wrap(err, "encode items")
	}
	return addressJSON, itemsJSON, nil
}
