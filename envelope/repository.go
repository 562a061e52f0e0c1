package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrEnvelopeNotFound is returned when no envelope row exists for the id.
	ErrEnvelopeNotFound = errors.New("envelope: not found")
	// ErrRecipientNotFound is returned when a signing token or recipient id
	// resolves to no row.
	ErrRecipientNotFound = errors.New("envelope: recipient not found")
	// ErrEnvelopeTerminal is returned when a write is attempted against an
	// envelope in a terminal state.
	ErrEnvelopeTerminal = errors.New("envelope: envelope is terminal")
	// ErrRecipientFinal is returned when the conditional signing/decline
	// update did not apply because the recipient already reached SIGNED or
	// DECLINED. Losing a concurrent completion race surfaces as this error.
	ErrRecipientFinal = errors.New("envelope: recipient already signed or declined")
)

const recipientColumns = `
	id, envelope_id, role::text, signing_order, signing_token, email, full_name,
	status::text, viewed_at, signed_at, ip_address, user_agent, consent, checksum, created_at
`

const envelopeColumns = `
	id, team_id, title, document_ref, mode::text, status::text, email_subject,
	document_filed, created_at, updated_at
`

// Repository is the Postgres-backed envelope/recipient store. Every mutation
// is a status-guarded conditional update so concurrent writers race safely.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed store.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecipientByToken resolves a signing token to its recipient row.
func (r *Repository) RecipientByToken(ctx context.Context, token string) (Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM envelope_recipients WHERE signing_token = $1`

	rcpt, err := scanRecipient(r.pool.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Recipient{}, ErrRecipientNotFound
		}
		return Recipient{}, fmt.Errorf("envelope: recipient by token: %w", err)
	}
	return rcpt, nil
}

// Envelope fetches an envelope by id.
func (r *Repository) Envelope(ctx context.Context, id string) (Envelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM envelopes WHERE id = $1`

	env, err := scanEnvelope(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Envelope{}, ErrEnvelopeNotFound
		}
		return Envelope{}, fmt.Errorf("envelope: get envelope: %w", err)
	}
	return env, nil
}

// ListRecipients returns every recipient on the envelope ordered by signing
// order then creation time.
func (r *Repository) ListRecipients(ctx context.Context, envelopeID string) ([]Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM envelope_recipients
		WHERE envelope_id = $1
		ORDER BY signing_order ASC, created_at ASC`

	return r.queryRecipients(ctx, query, envelopeID)
}

// ListSigners returns the SIGNER-role recipients only. Order evaluation must
// always run against the result of a fresh call, never a cached slice.
func (r *Repository) ListSigners(ctx context.Context, envelopeID string) ([]Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM envelope_recipients
		WHERE envelope_id = $1 AND role = 'SIGNER'
		ORDER BY signing_order ASC, created_at ASC`

	return r.queryRecipients(ctx, query, envelopeID)
}

func (r *Repository) queryRecipients(ctx context.Context, query string, envelopeID string) ([]Recipient, error) {
	rows, err := r.pool.Query(ctx, query, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("envelope: list recipients: %w", err)
	}
	defer rows.Close()

	recipients := make([]Recipient, 0, 8)
	for rows.Next() {
		rcpt, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("envelope: scan recipient: %w", err)
		}
		recipients = append(recipients, rcpt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("envelope: iterate recipients: %w", err)
	}
	return recipients, nil
}

// MarkViewed transitions a recipient to VIEWED on first access. The update is
// conditional on a pre-view status and COALESCEs the view timestamp, so
// concurrent duplicate views keep the first-view time. When this is the first
// view across the envelope, the envelope moves SENT -> VIEWED in the same
// transaction. Returns the current recipient row either way.
func (r *Repository) MarkViewed(ctx context.Context, recipientID string) (Recipient, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Recipient{}, fmt.Errorf("envelope: begin view tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE envelope_recipients
		SET status = 'VIEWED',
		    viewed_at = COALESCE(viewed_at, now())
		WHERE id = $1 AND status IN ('PENDING','SENT','DELIVERED')
		RETURNING ` + recipientColumns

	rcpt, err := scanRecipient(tx.QueryRow(ctx, updateSQL, recipientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Another view won the race or the recipient already progressed;
			// return the row as it stands.
			selectSQL := `SELECT ` + recipientColumns + ` FROM envelope_recipients WHERE id = $1`
			rcpt, err = scanRecipient(tx.QueryRow(ctx, selectSQL, recipientID))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return Recipient{}, ErrRecipientNotFound
				}
				return Recipient{}, fmt.Errorf("envelope: reload recipient: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return Recipient{}, fmt.Errorf("envelope: commit view tx: %w", err)
			}
			return rcpt, nil
		}
		return Recipient{}, fmt.Errorf("envelope: mark viewed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE envelopes
		SET status = 'VIEWED', updated_at = now()
		WHERE id = $1 AND status = 'SENT'
	`, rcpt.EnvelopeID); err != nil {
		return Recipient{}, fmt.Errorf("envelope: mark envelope viewed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Recipient{}, fmt.Errorf("envelope: commit view tx: %w", err)
	}
	return rcpt, nil
}

// CompleteSigning applies a recipient's SIGNED transition. The envelope row is
// locked FOR UPDATE first, serializing completions per envelope, then the
// recipient update runs guarded on its prior status. The post-write signer
// snapshot and the envelope's COMPLETED transition commit in the same
// transaction, so exactly one caller observes EnvelopeCompleted=true.
func (r *Repository) CompleteSigning(ctx context.Context, params CompleteSigningParams) (CompleteSigningOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return CompleteSigningOutcome{}, fmt.Errorf("envelope: begin signing tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var envStatus string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM envelopes WHERE id = $1 FOR UPDATE`, params.EnvelopeID).Scan(&envStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CompleteSigningOutcome{}, ErrEnvelopeNotFound
		}
		return CompleteSigningOutcome{}, fmt.Errorf("envelope: lock envelope: %w", err)
	}
	if Status(envStatus).Terminal() {
		return CompleteSigningOutcome{}, ErrEnvelopeTerminal
	}

	consentJSON, err := json.Marshal(params.Consent)
	if err != nil {
		return CompleteSigningOutcome{}, fmt.Errorf("envelope: marshal consent: %w", err)
	}
	checksumJSON, err := json.Marshal(params.Checksum)
	if err != nil {
		return CompleteSigningOutcome{}, fmt.Errorf("envelope: marshal checksum: %w", err)
	}
	fieldsJSON, err := json.Marshal(params.FieldValues)
	if err != nil {
		return CompleteSigningOutcome{}, fmt.Errorf("envelope: marshal field values: %w", err)
	}

	updateSQL := `
		UPDATE envelope_recipients
		SET status = 'SIGNED',
		    signed_at = $2,
		    ip_address = $3,
		    user_agent = $4,
		    consent = $5::jsonb,
		    checksum = $6::jsonb,
		    signature_data = $7,
		    signature_type = $8,
		    field_values = $9::jsonb
		WHERE id = $1 AND status NOT IN ('SIGNED','DECLINED')
		RETURNING ` + recipientColumns

	rcpt, err := scanRecipient(tx.QueryRow(ctx, updateSQL,
		params.RecipientID,
		params.SignedAt,
		params.IPAddress,
		params.UserAgent,
		consentJSON,
		checksumJSON,
		params.SignatureData,
		params.SignatureType,
		fieldsJSON,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CompleteSigningOutcome{}, ErrRecipientFinal
		}
		return CompleteSigningOutcome{}, fmt.Errorf("envelope: mark signed: %w", err)
	}

	signers, err := r.listSignersTx(ctx, tx, params.EnvelopeID)
	if err != nil {
		return CompleteSigningOutcome{}, err
	}

	remaining := 0
	for _, s := range signers {
		if s.Status != RecipientSigned {
			remaining++
		}
	}

	outcome := CompleteSigningOutcome{Recipient: rcpt, Signers: signers}

	if remaining == 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE envelopes
			SET status = 'COMPLETED', updated_at = now()
			WHERE id = $1 AND status <> 'COMPLETED'
		`, params.EnvelopeID)
		if err != nil {
			return CompleteSigningOutcome{}, fmt.Errorf("envelope: mark completed: %w", err)
		}
		outcome.EnvelopeCompleted = tag.RowsAffected() == 1

		if outcome.EnvelopeCompleted {
			payload := map[string]any{
				"envelope_id":  params.EnvelopeID,
				"completed_at": params.SignedAt.UTC(),
			}
			if err := enqueueOutbox(ctx, tx, TopicEnvelopeCompleted, payload); err != nil {
				return CompleteSigningOutcome{}, err
			}
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE envelopes
			SET status = 'PARTIALLY_SIGNED', updated_at = now()
			WHERE id = $1 AND status IN ('SENT','VIEWED')
		`, params.EnvelopeID); err != nil {
			return CompleteSigningOutcome{}, fmt.Errorf("envelope: mark partially signed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return CompleteSigningOutcome{}, fmt.Errorf("envelope: commit signing tx: %w", err)
	}
	return outcome, nil
}

// DeclineSigning applies a recipient's DECLINED transition. A SIGNER decline
// also terminates the envelope.
func (r *Repository) DeclineSigning(ctx context.Context, params DeclineSigningParams) (DeclineSigningOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return DeclineSigningOutcome{}, fmt.Errorf("envelope: begin decline tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var envStatus string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM envelopes WHERE id = $1 FOR UPDATE`, params.EnvelopeID).Scan(&envStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeclineSigningOutcome{}, ErrEnvelopeNotFound
		}
		return DeclineSigningOutcome{}, fmt.Errorf("envelope: lock envelope: %w", err)
	}
	if Status(envStatus).Terminal() {
		return DeclineSigningOutcome{}, ErrEnvelopeTerminal
	}

	updateSQL := `
		UPDATE envelope_recipients
		SET status = 'DECLINED',
		    ip_address = $2,
		    user_agent = $3
		WHERE id = $1 AND status NOT IN ('SIGNED','DECLINED')
		RETURNING ` + recipientColumns

	rcpt, err := scanRecipient(tx.QueryRow(ctx, updateSQL, params.RecipientID, params.IPAddress, params.UserAgent))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeclineSigningOutcome{}, ErrRecipientFinal
		}
		return DeclineSigningOutcome{}, fmt.Errorf("envelope: mark declined: %w", err)
	}

	outcome := DeclineSigningOutcome{Recipient: rcpt}

	if rcpt.Role == RoleSigner {
		tag, err := tx.Exec(ctx, `
			UPDATE envelopes
			SET status = 'DECLINED', updated_at = now()
			WHERE id = $1 AND status NOT IN ('COMPLETED','DECLINED','VOIDED','EXPIRED')
		`, params.EnvelopeID)
		if err != nil {
			return DeclineSigningOutcome{}, fmt.Errorf("envelope: mark envelope declined: %w", err)
		}
		outcome.EnvelopeDeclined = tag.RowsAffected() == 1

		payload := map[string]any{
			"envelope_id":  params.EnvelopeID,
			"recipient_id": rcpt.ID,
			"reason":       params.Reason,
		}
		if err := enqueueOutbox(ctx, tx, TopicEnvelopeDeclined, payload); err != nil {
			return DeclineSigningOutcome{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return DeclineSigningOutcome{}, fmt.Errorf("envelope: commit decline tx: %w", err)
	}
	return outcome, nil
}

func (r *Repository) listSignersTx(ctx context.Context, tx pgx.Tx, envelopeID string) ([]Recipient, error) {
	query := `SELECT ` + recipientColumns + `
		FROM envelope_recipients
		WHERE envelope_id = $1 AND role = 'SIGNER'
		ORDER BY signing_order ASC, created_at ASC`

	rows, err := tx.Query(ctx, query, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("envelope: list signers in tx: %w", err)
	}
	defer rows.Close()

	signers := make([]Recipient, 0, 8)
	for rows.Next() {
		rcpt, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("envelope: scan signer: %w", err)
		}
		signers = append(signers, rcpt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("envelope: iterate signers: %w", err)
	}
	return signers, nil
}

func scanRecipient(row pgx.Row) (Recipient, error) {
	var (
		rcpt         Recipient
		consentJSON  []byte
		checksumJSON []byte
	)
	err := row.Scan(
		&rcpt.ID,
		&rcpt.EnvelopeID,
		&rcpt.Role,
		&rcpt.Order,
		&rcpt.SigningToken,
		&rcpt.Email,
		&rcpt.Name,
		&rcpt.Status,
		&rcpt.ViewedAt,
		&rcpt.SignedAt,
		&rcpt.IPAddress,
		&rcpt.UserAgent,
		&consentJSON,
		&checksumJSON,
		&rcpt.CreatedAt,
	)
	if err != nil {
		return Recipient{}, err
	}

	if len(consentJSON) > 0 {
		var consent ConsentRecord
		if err := json.Unmarshal(consentJSON, &consent); err != nil {
			return Recipient{}, fmt.Errorf("decode consent: %w", err)
		}
		rcpt.Consent = &consent
	}
	if len(checksumJSON) > 0 {
		var checksum ChecksumRecord
		if err := json.Unmarshal(checksumJSON, &checksum); err != nil {
			return Recipient{}, fmt.Errorf("decode checksum: %w", err)
		}
		rcpt.Checksum = &checksum
	}
	return rcpt, nil
}

func scanEnvelope(row pgx.Row) (Envelope, error) {
	var env Envelope
	err := row.Scan(
		&env.ID,
		&env.TeamID,
		&env.Title,
		&env.DocumentRef,
		&env.Mode,
		&env.Status,
		&env.EmailSubject,
		&env.DocumentFiled,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}
