package eventstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Metadata is free-form context stored next to an event (actor, origin).
type Metadata map[string]string

// Value encodes m as JSON text; lib/pq would send []byte as bytea.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported source type %T", src)
	}
	return json.Unmarshal(b, (*map[string]string)(m))
}

// Event is one entry of an aggregate's stream.
type Event struct {
	ID            int64           `json:"id" db:"id"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	EventType     string          `json:"event_type" db:"event_type"`
	EventData     json.RawMessage `json:"event_data" db:"event_data"`
	Metadata      Metadata        `json:"metadata" db:"metadata"`
	Version       int             `json:"version" db:"version"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

const selectEvents = `
	SELECT id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at
	FROM events
`

// EventStore is an append-only log of aggregate events with optimistic
// concurrency on the per-aggregate version.
type EventStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
	now    func() time.Time
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{
		db:     db,
		tracer: otel.Tracer("bookswap/eventstore"),
		now:    time.Now,
	}
}

// AppendEvents appends events in a serializable transaction of its own.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	tx, err := es.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := es.AppendEventsTx(ctx, tx, aggregateID, aggregateType, expectedVersion, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AppendEventsTx appends events inside a transaction owned by the caller, so
// they commit or roll back together with the caller's own writes. The stream
// must be at expectedVersion; the events take the versions that follow it.
func (es *EventStore) AppendEventsTx(ctx context.Context, tx *sqlx.Tx, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	current, err := currentVersion(ctx, tx, aggregateID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", current),
			attribute.Bool("conflict.detected", true),
		)
		return fmt.Errorf("%w: stream %s is at version %d, expected %d", ErrConcurrencyConflict, aggregateID, current, expectedVersion)
	}

	createdAt := es.now().UTC()
	for i, event := range events {
		version := expectedVersion + i + 1

		var id int64
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO events (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, aggregateID, aggregateType, event.EventType, string(event.EventData), event.Metadata, version, createdAt).Scan(&id)
		if err != nil {
			// The unique (aggregate_id, version) index catches writers that
			// raced past the version check.
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return fmt.Errorf("%w: version %d of stream %s already written", ErrConcurrencyConflict, version, aggregateID)
			}
			return fmt.Errorf("insert %s event: %w", event.EventType, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", id),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}
	return nil
}

// LoadEvents returns the events of one aggregate stream in version order,
// from fromVersion through toVersion. A toVersion of zero means no upper
// bound.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateType string, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	query := selectEvents + ` WHERE aggregate_type = $1 AND aggregate_id = $2 AND version >= $3`
	args := []interface{}{aggregateType, aggregateID, fromVersion}
	if toVersion > 0 {
		query += ` AND version <= $4`
		args = append(args, toVersion)
	}
	query += ` ORDER BY version`

	events := []Event{}
	if err := es.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("load %s %s: %w", aggregateType, aggregateID, err)
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the version of the latest event of a stream, or
// zero for an empty stream.
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	return currentVersion(ctx, es.db, aggregateID)
}

// GetCurrentVersionTx is GetCurrentVersion inside the caller's transaction.
func (es *EventStore) GetCurrentVersionTx(ctx context.Context, tx *sqlx.Tx, aggregateID uuid.UUID) (int, error) {
	return currentVersion(ctx, tx, aggregateID)
}

func currentVersion(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) (int, error) {
	var version int
	err := sqlx.GetContext(ctx, q, &version,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("query version of stream %s: %w", aggregateID, err)
	}
	return version, nil
}

// StreamEvents returns up to batchSize events with an id greater than fromID
// for cursor-based consumers. With aggregateTypes given, only those streams
// are read.
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int, aggregateTypes ...string) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
			attribute.StringSlice("aggregate.types", aggregateTypes),
		),
	)
	defer span.End()

	query := selectEvents + ` WHERE id > $1`
	args := []interface{}{fromID, batchSize}
	if len(aggregateTypes) > 0 {
		query += ` AND aggregate_type = ANY($3)`
		args = append(args, pq.Array(aggregateTypes))
	}
	query += ` ORDER BY id LIMIT $2`

	events := []Event{}
	if err := es.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("stream events after %d: %w", fromID, err)
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}
