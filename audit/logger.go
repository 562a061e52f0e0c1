package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event types recorded by the signing engine.
const (
	EventDocumentSigned    = "DOCUMENT_SIGNED"
	EventDocumentDeclined  = "DOCUMENT_DECLINED"
	EventEnvelopeCompleted = "ENVELOPE_COMPLETED"
)

// ResourceEnvelope is the resource type for envelope-scoped events.
const ResourceEnvelope = "Envelope"

// Event is one append-only audit record.
type Event struct {
	EventType    string
	TeamID       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]any
	IPAddress    string
	UserAgent    string
}

// Record mirrors the audit_events table.
type Record struct {
	ID           string
	EventType    string
	TeamID       *string
	ResourceType string
	ResourceID   *string
	Metadata     []byte
	IPAddress    *string
	UserAgent    *string
	CreatedAt    time.Time
}

// Logger persists audit events. Callers invoke it fire-and-forget; it never
// participates in the caller's transaction.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger wires a pgxpool-backed audit log.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// LogEvent appends one event.
func (l *Logger) LogEvent(ctx context.Context, event Event) error {
	if event.EventType == "" || event.ResourceType == "" {
		return fmt.Errorf("audit: event type and resource type required")
	}

	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	const insertSQL = `
		INSERT INTO audit_events (event_type, team_id, resource_type, resource_id, metadata, ip_address, user_agent)
		VALUES ($1, NULLIF($2,'')::uuid, $3, NULLIF($4,'')::uuid, $5::jsonb, NULLIF($6,''), NULLIF($7,''))
	`
	if _, err := l.pool.Exec(ctx, insertSQL,
		event.EventType,
		event.TeamID,
		event.ResourceType,
		event.ResourceID,
		body,
		event.IPAddress,
		event.UserAgent,
	); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// ListForResource returns the newest events for one resource, newest first.
func (l *Logger) ListForResource(ctx context.Context, resourceType, resourceID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	const query = `
		SELECT id, event_type, team_id, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_events
		WHERE resource_type = $1 AND resource_id = $2::uuid
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := l.pool.Query(ctx, query, resourceType, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID,
			&rec.EventType,
			&rec.TeamID,
			&rec.ResourceType,
			&rec.ResourceID,
			&rec.Metadata,
			&rec.IPAddress,
			&rec.UserAgent,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return records, nil
}
