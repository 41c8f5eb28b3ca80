// internal/postgres/store.go
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"bookswap/internal/catalog"
	"bookswap/internal/swap"
	"bookswap/pkg/eventstore"
)

// DefaultMaxTries bounds how often RunInTx retries a serialization failure.
const DefaultMaxTries = 5

// Postgres error codes that mean "run the transaction again".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Store is the Postgres implementation of swap.Store. Every unit of work runs
// in a serializable transaction; audit events go to the shared events table
// through the event store in the same transaction.
type Store struct {
	db       *sqlx.DB
	events   *eventstore.EventStore
	logger   *slog.Logger
	maxTries uint
}

// Option configures a Store.
type Option func(*Store)

// WithMaxTries sets how many attempts RunInTx makes on retryable conflicts.
func WithMaxTries(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func NewStore(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		events:   eventstore.NewEventStore(db),
		logger:   slog.Default(),
		maxTries: DefaultMaxTries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx runs fn in a serializable transaction, retrying with exponential
// backoff when Postgres reports a serialization failure or deadlock. Any
// other error rolls back and is returned unchanged.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx swap.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.runOnce(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if retryable(err) {
			s.logger.DebugContext(ctx, "retrying swap transaction", "attempt", attempt, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxTries))
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx swap.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx, events: s.events}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	// A stream written by a concurrent transaction; the retry re-reads it.
	if errors.Is(err, eventstore.ErrConcurrencyConflict) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
	}
	return false
}

func (s *Store) GetSwapRequest(ctx context.Context, id uuid.UUID) (*swap.SwapRequest, error) {
	return getSwapRequest(ctx, s.db, id)
}

// History decodes the swap request's events from the event store.
func (s *Store) History(ctx context.Context, id uuid.UUID) ([]swap.Event, error) {
	stored, err := s.events.LoadEvents(ctx, swap.AggregateType, id, 1, 0)
	if err != nil {
		return nil, err
	}
	history := make([]swap.Event, 0, len(stored))
	for _, e := range stored {
		var ev swap.Event
		if err := json.Unmarshal(e.EventData, &ev); err != nil {
			return nil, fmt.Errorf("decode event %d of swap request %s: %w", e.ID, id, err)
		}
		history = append(history, ev)
	}
	return history, nil
}

const selectSwapRequest = `
	SELECT id, requested_item_id, requester_id, owner_id, offered_item_id,
	       counter_offered_item_id, status, message, cancelled_by,
	       requester_rating, owner_rating, requester_feedback, owner_feedback,
	       completion_date, version, created_at, updated_at
	FROM swap_requests
	WHERE id = $1
`

func getSwapRequest(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*swap.SwapRequest, error) {
	var r swap.SwapRequest
	err := sqlx.GetContext(ctx, q, &r, selectSwapRequest, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: swap request %s", swap.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get swap request %s: %w", id, err)
	}
	return &r, nil
}

// itemRow maps a row of the books table onto swap.Item.
type itemRow struct {
	ID          uuid.UUID `db:"id"`
	OwnerID     uuid.UUID `db:"owner_id"`
	IsAvailable bool      `db:"is_available"`
}

// pgTx implements swap.Tx over one transaction.
type pgTx struct {
	tx     *sqlx.Tx
	events *eventstore.EventStore
}

func (t *pgTx) GetItem(ctx context.Context, id uuid.UUID) (*swap.Item, error) {
	var row itemRow
	err := t.tx.GetContext(ctx, &row, `SELECT id, owner_id, is_available FROM books WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s", swap.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return &swap.Item{ID: row.ID, OwnerID: row.OwnerID, IsAvailable: row.IsAvailable}, nil
}

func (t *pgTx) TransferOwnership(ctx context.Context, itemID, expectedOwner, newOwner uuid.UUID, available bool) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE books
		SET owner_id = $3, is_available = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2
	`, itemID, expectedOwner, newOwner, available)
	if err != nil {
		return 0, fmt.Errorf("transfer item %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return n, err
	}

	// The book's own stream records the hand-over next to its catalog events.
	version, err := t.events.GetCurrentVersionTx(ctx, t.tx, itemID)
	if err != nil {
		return 0, err
	}
	data, err := json.Marshal(catalog.BookTransferredEvent{
		ID:          itemID,
		FromOwnerID: expectedOwner,
		ToOwnerID:   newOwner,
		IsAvailable: available,
	})
	if err != nil {
		return 0, fmt.Errorf("encode transfer of item %s: %w", itemID, err)
	}
	err = t.events.AppendEventsTx(ctx, t.tx, itemID, catalog.AggregateType, version, []eventstore.Event{{
		EventType: catalog.EventBookTransferred,
		EventData: data,
		Metadata:  eventstore.Metadata{"from_owner_id": expectedOwner.String(), "to_owner_id": newOwner.String()},
	}})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (t *pgTx) GetSwapRequest(ctx context.Context, id uuid.UUID) (*swap.SwapRequest, error) {
	return getSwapRequest(ctx, t.tx, id)
}

func (t *pgTx) InsertSwapRequest(ctx context.Context, r *swap.SwapRequest) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO swap_requests (
			id, requested_item_id, requester_id, owner_id, offered_item_id,
			counter_offered_item_id, status, message, cancelled_by,
			requester_rating, owner_rating, requester_feedback, owner_feedback,
			completion_date, version, created_at, updated_at
		) VALUES (
			:id, :requested_item_id, :requester_id, :owner_id, :offered_item_id,
			:counter_offered_item_id, :status, :message, :cancelled_by,
			:requester_rating, :owner_rating, :requester_feedback, :owner_feedback,
			:completion_date, :version, :created_at, :updated_at
		)
	`, r)
	if err != nil {
		return fmt.Errorf("insert swap request %s: %w", r.ID, err)
	}
	return nil
}

func (t *pgTx) UpdateSwapRequest(ctx context.Context, r *swap.SwapRequest, expectedVersion int) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE swap_requests
		SET counter_offered_item_id = $2,
		    status = $3,
		    cancelled_by = $4,
		    requester_rating = $5,
		    owner_rating = $6,
		    requester_feedback = $7,
		    owner_feedback = $8,
		    completion_date = $9,
		    version = $10,
		    updated_at = $11
		WHERE id = $1 AND version = $12
	`,
		r.ID,
		r.CounterOfferedItemID,
		r.Status,
		r.CancelledBy,
		r.RequesterRating,
		r.OwnerRating,
		r.RequesterFeedback,
		r.OwnerFeedback,
		r.CompletionDate,
		r.Version,
		r.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update swap request %s: %w", r.ID, err)
	}
	return res.RowsAffected()
}

// ClaimItems inserts a claim per item. A conflicting insert is skipped rather
// than raised so the transaction stays usable; the holder check that follows
// decides whether the claim belongs to this request.
func (t *pgTx) ClaimItems(ctx context.Context, requestID uuid.UUID, itemIDs []uuid.UUID) error {
	for _, itemID := range itemIDs {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO swap_item_claims (item_id, request_id)
			VALUES ($1, $2)
			ON CONFLICT (item_id) DO NOTHING
		`, itemID, requestID); err != nil {
			return fmt.Errorf("claim item %s: %w", itemID, err)
		}

		var holder uuid.UUID
		if err := t.tx.GetContext(ctx, &holder, `SELECT request_id FROM swap_item_claims WHERE item_id = $1`, itemID); err != nil {
			return fmt.Errorf("read claim on item %s: %w", itemID, err)
		}
		if holder != requestID {
			return fmt.Errorf("%w: item %s is held by swap request %s", swap.ErrItemConflict, itemID, holder)
		}
	}
	return nil
}

func (t *pgTx) ReleaseItems(ctx context.Context, requestID uuid.UUID) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM swap_item_claims WHERE request_id = $1`, requestID); err != nil {
		return fmt.Errorf("release items of swap request %s: %w", requestID, err)
	}
	return nil
}

// AppendEvent records e as the version-th event of the request's stream, so
// the audit log shares the request's optimistic version.
func (t *pgTx) AppendEvent(ctx context.Context, e swap.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	return t.events.AppendEventsTx(ctx, t.tx, e.RequestID, swap.AggregateType, e.Version-1, []eventstore.Event{{
		EventType: e.Kind.EventType(),
		EventData: data,
		Metadata: eventstore.Metadata{
			"actor_id": e.ActorID.String(),
			"kind":     string(e.Kind),
		},
	}})
}
