package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventStore is the append-only audit trail. Rows in ledger_events are never
// updated or deleted; every materialized balance must stay equal to the signed
// sums over this table for the same entity key.
type EventStore struct {
	pool *pgxpool.Pool
}

func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// AppendTx durably inserts an event within the caller's transaction and returns
// its id. Events carrying an idempotency key collide on the unique index: a
// conflict means the caller skipped its duplicate pre-check, and the insert
// reports it rather than silently dropping the row.
func (s *EventStore) AppendTx(ctx context.Context, tx pgx.Tx, ev LedgerEvent) (int64, error) {
	var idemKey *string
	if ev.IdempotencyKey != "" {
		idemKey = &ev.IdempotencyKey
	}
	var refType, refID *string
	if ev.ReferenceType != "" {
		refType = &ev.ReferenceType
	}
	if ev.ReferenceID != "" {
		refID = &ev.ReferenceID
	}

	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_events (event_kind, entity_key, qty_delta, amount_delta,
		                           reference_type, reference_id, idempotency_key, note, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, ev.Kind, ev.EntityKey, ev.QtyDelta, ev.AmountDelta, refType, refID, idemKey, ev.Note).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, newError(ErrMalformedEvent, "idempotency key %s already recorded", ev.IdempotencyKey)
		}
		return 0, persistence(err, "append ledger event")
	}
	return id, nil
}

// Append inserts a single event in its own transaction. Ledger operations use
// AppendTx so the event commits atomically with the balance move; this form is
// for standalone bookkeeping entries.
func (s *EventStore) Append(ctx context.Context, ev LedgerEvent) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, persistence(err, "begin append transaction")
	}
	defer tx.Rollback(ctx)

	id, err := s.AppendTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, persistence(err, "commit append")
	}
	return id, nil
}

// FindByIdempotencyKey returns the previously recorded event for key, or nil if
// the key has never been used. Ledgers call this before applying deltas so a
// retried submission has no duplicate effect.
func (s *EventStore) FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) (*LedgerEvent, error) {
	if key == "" {
		return nil, nil
	}
	ev, err := scanEvent(tx.QueryRow(ctx, `
		SELECT id, event_kind, entity_key, qty_delta, amount_delta,
		       COALESCE(reference_type, ''), COALESCE(reference_id, ''),
		       COALESCE(idempotency_key, ''), COALESCE(note, ''), recorded_at
		FROM ledger_events
		WHERE idempotency_key = $1
	`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, persistence(err, "look up idempotency key")
	}
	return &ev, nil
}

// EventsFor returns up to limit events for one entity key, ordered by recorded
// time with insertion id as the tie-break. limit <= 0 means no limit.
func (s *EventStore) EventsFor(ctx context.Context, entityKey string, limit int) ([]LedgerEvent, error) {
	query := `
		SELECT id, event_kind, entity_key, qty_delta, amount_delta,
		       COALESCE(reference_type, ''), COALESCE(reference_id, ''),
		       COALESCE(idempotency_key, ''), COALESCE(note, ''), recorded_at
		FROM ledger_events
		WHERE entity_key = $1
		ORDER BY recorded_at, id`
	args := []any{entityKey}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, persistence(err, "query events for %s", entityKey)
	}
	defer rows.Close()

	var events []LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, persistence(err, "scan ledger event")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence(err, "iterate events for %s", entityKey)
	}
	return events, nil
}

// RebuildBalances recomputes the balance of one entity key from its full event
// history. It is the consistency oracle: at all times it must equal the live
// materialized balance.
func (s *EventStore) RebuildBalances(ctx context.Context, entityKey string) (Balance, error) {
	b := Balance{EntityKey: entityKey}
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty_delta), 0), COALESCE(SUM(amount_delta), 0), COUNT(*)
		FROM ledger_events
		WHERE entity_key = $1
	`, entityKey).Scan(&b.Qty, &b.Amount, &b.Events)
	if err != nil {
		return Balance{}, persistence(err, "rebuild balances for %s", entityKey)
	}
	return b, nil
}

// sumQtyTx sums qty_delta over the given kinds for one entity key, inside the
// caller's transaction. Used to bound returns against what history supports.
func (s *EventStore) sumQtyTx(ctx context.Context, tx pgx.Tx, entityKey string, kinds ...EventKind) (int64, error) {
	ks := make([]string, len(kinds))
	for i, k := range kinds {
		ks[i] = string(k)
	}
	var sum int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty_delta), 0)
		FROM ledger_events
		WHERE entity_key = $1 AND event_kind = ANY($2)
	`, entityKey, ks).Scan(&sum)
	if err != nil {
		return 0, persistence(err, "sum event quantities for %s", entityKey)
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (LedgerEvent, error) {
	var ev LedgerEvent
	err := row.Scan(&ev.ID, &ev.Kind, &ev.EntityKey, &ev.QtyDelta, &ev.AmountDelta,
		&ev.ReferenceType, &ev.ReferenceID, &ev.IdempotencyKey, &ev.Note, &ev.RecordedAt)
	return ev, err
}
