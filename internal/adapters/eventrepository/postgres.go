package eventrepository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/reporting"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Postgres struct {
	db     *sqlx.DB
	schema string
	tracer trace.Tracer
}

func NewPostgres(db *sqlx.DB, schema string) *Postgres {
	return &Postgres{
		db:     db,
		schema: schema,
		tracer: otel.Tracer("conduit/eventrepository/postgres"),
	}
}

type dbEvent struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	Source     string    `db:"source"`
	Properties string    `db:"properties"`
	OccurredAt time.Time `db:"occurred_at"`
	ReceivedAt time.Time `db:"received_at"`
}

func toDBEvent(event domain.Event) (dbEvent, error) {
	properties := event.Properties
	if properties == nil {
		properties = map[string]string{}
	}
	encoded, err := json.Marshal(properties)
	if err != nil {
		return dbEvent{}, fmt.Errorf("failed to marshal properties: %w", err)
	}

	return dbEvent{
		ID:         event.ID,
		Name:       event.Name,
		Source:     event.Source,
		Properties: string(encoded),
		OccurredAt: event.OccurredAt,
		ReceivedAt: event.ReceivedAt,
	}, nil
}

func (p *Postgres) StoreEvents(ctx context.Context, events []domain.Event) error {
	ctx, span := p.tracer.Start(ctx, "Postgres.StoreEvents")
	defer span.End()

	span.SetAttributes(attribute.Int("events.count", len(events)))

	if len(events) == 0 {
		return nil
	}

	rows := make([]dbEvent, 0, len(events))
	for _, event := range events {
		row, err := toDBEvent(event)
		if err != nil {
			reporting.Report(ctx, err, map[string]string{
				"eventID": event.ID,
			})
			return err
		}
		rows = append(rows, row)
	}

	txx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		err := fmt.Errorf("failed to start transaction: %w", err)
		reporting.Report(ctx, err)
		return err
	}
	defer txx.Rollback()

	_, err = txx.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", pq.QuoteIdentifier(p.schema)))
	if err != nil {
		err := fmt.Errorf("failed to set search path: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"schema": p.schema,
		})
		return err
	}

	_, err = txx.NamedExecContext(
		ctx,
		`INSERT INTO events
		(id, name, source, properties, occurred_at, received_at)
		VALUES (:id, :name, :source, :properties, :occurred_at, :received_at)
		ON CONFLICT (id) DO NOTHING`,
		rows,
	)
	if err != nil {
		err := fmt.Errorf("failed to insert events: %w", err)
		reporting.Report(ctx, err, map[string]string{
			"count": fmt.Sprintf("%d", len(rows)),
		})
		return err
	}

	err = txx.Commit()
	if err != nil {
		err := fmt.Errorf("failed to commit transaction: %w", err)
		reporting.Report(ctx, err)
		return err
	}

	return nil
}
