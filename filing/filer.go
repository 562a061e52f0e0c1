package filing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrEnvelopeNotFound signals the envelope row does not exist.
	ErrEnvelopeNotFound = errors.New("filing: envelope not found")
	// ErrNotCompleted signals an attempt to file an envelope that has not
	// fully executed.
	ErrNotCompleted = errors.New("filing: envelope is not completed")
)

// Result reports a filing attempt. AlreadyFiled means an earlier invocation
// won; idempotent retries see the original filed document.
type Result struct {
	EnvelopeID      string
	FiledDocumentID string
	DocumentRef     string
	FiledAt         time.Time
	AlreadyFiled    bool
}

// Service archives the executed document of a completed envelope. Safe to
// retry: the filed flag flips under FOR UPDATE and at most one
// filed_documents row ever exists per envelope.
type Service struct {
	pool *pgxpool.Pool
}

// NewService wires a pgxpool-backed filer.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// AutoFileEnvelopeDocument files the envelope's document exactly once.
func (s *Service) AutoFileEnvelopeDocument(ctx context.Context, envelopeID string) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("filing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		teamID      string
		documentRef string
		status      string
		filed       bool
	)
	const lockSQL = `
		SELECT team_id, document_ref, status::text, document_filed
		FROM envelopes
		WHERE id = $1
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, lockSQL, envelopeID).Scan(&teamID, &documentRef, &status, &filed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrEnvelopeNotFound
		}
		return Result{}, fmt.Errorf("filing: lock envelope: %w", err)
	}
	if status != "COMPLETED" {
		return Result{}, ErrNotCompleted
	}

	if filed {
		const existingSQL = `
			SELECT id, document_ref, filed_at
			FROM filed_documents
			WHERE envelope_id = $1
		`
		var result Result
		result.EnvelopeID = envelopeID
		result.AlreadyFiled = true
		if err := tx.QueryRow(ctx, existingSQL, envelopeID).Scan(&result.FiledDocumentID, &result.DocumentRef, &result.FiledAt); err != nil {
			return Result{}, fmt.Errorf("filing: load filed document: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Result{}, fmt.Errorf("filing: commit: %w", err)
		}
		return result, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE envelopes
		SET document_filed = true, updated_at = now()
		WHERE id = $1 AND NOT document_filed
	`, envelopeID); err != nil {
		return Result{}, fmt.Errorf("filing: flag envelope filed: %w", err)
	}

	const insertSQL = `
		INSERT INTO filed_documents (envelope_id, team_id, document_ref)
		VALUES ($1, $2, $3)
		RETURNING id, document_ref, filed_at
	`
	result := Result{EnvelopeID: envelopeID}
	if err := tx.QueryRow(ctx, insertSQL, envelopeID, teamID, documentRef).Scan(&result.FiledDocumentID, &result.DocumentRef, &result.FiledAt); err != nil {
		return Result{}, fmt.Errorf("filing: insert filed document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("filing: commit: %w", err)
	}
	return result, nil
}
