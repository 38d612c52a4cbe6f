package stores

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/cumulus/pkg/engine"
)

// AppendEvent appends an event to the event log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	query := `
		INSERT INTO events (id, type, resource_id, kind, tenant, from_state, to_state, message, level, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.ResourceID,
		string(event.Kind),
		event.Tenant,
		string(event.From),
		string(event.To),
		event.Message,
		event.Level,
		toNanos(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents retrieves events with optional filters, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter engine.EventFilter) ([]*engine.Event, error) {
	query := `
		SELECT id, type, resource_id, kind, tenant, from_state, to_state, message, level, timestamp
		FROM events
		WHERE 1=1
	`
	var args []any
	if filter.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, filter.ResourceID)
	}
	if filter.Tenant != "" {
		query += " AND tenant = ?"
		args = append(args, filter.Tenant)
	}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		query += " AND type IN (" + strings.Join(marks, ", ") + ")"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY timestamp DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var typ, kind, from, to string
		var ts int64
		err := rows.Scan(
			&event.ID,
			&typ,
			&event.ResourceID,
			&kind,
			&event.Tenant,
			&from,
			&to,
			&event.Message,
			&event.Level,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(typ)
		event.Kind = engine.Kind(kind)
		event.From = engine.ResourceState(from)
		event.To = engine.ResourceState(to)
		event.Timestamp = fromNanos(ts)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
