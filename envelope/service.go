package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outbox topics emitted by envelope lifecycle writes.
const (
	TopicEnvelopeCreated   = "envelope.created"
	TopicEnvelopeSent      = "envelope.sent"
	TopicEnvelopeCompleted = "envelope.completed"
	TopicEnvelopeDeclined  = "envelope.declined"
)

var (
	// ErrNoSigners signals an envelope prepared without a single SIGNER.
	ErrNoSigners = errors.New("envelope: at least one signer is required")
	// ErrInvalidTransition signals a lifecycle write whose status guard did
	// not match, e.g. sending an envelope that is not a draft.
	ErrInvalidTransition = errors.New("envelope: invalid status transition")
)

// RecipientInput describes one party to attach when preparing an envelope.
type RecipientInput struct {
	Email string
	Name  string
	Role  Role
	Order int
}

// CreateParams carries everything needed to prepare an envelope for signing.
type CreateParams struct {
	TeamID       string
	Title        string
	DocumentRef  string
	Mode         Mode
	EmailSubject *string
	Recipients   []RecipientInput
}

// TeamDirectory verifies envelope ownership against the team roster.
type TeamDirectory interface {
	Exists(ctx context.Context, id string) error
}

// Service owns envelope preparation and the terminal transitions authored
// outside the signing path (void, expire).
type Service struct {
	pool  *pgxpool.Pool
	teams TeamDirectory
	token func() string
}

// NewService builds the preparation service.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{
		pool:  pool,
		token: func() string { return uuid.NewString() },
	}
}

// WithTeamDirectory makes Create reject envelopes owned by unknown teams
// before any row is written, instead of surfacing a foreign-key error.
func (s *Service) WithTeamDirectory(teams TeamDirectory) *Service {
	s.teams = teams
	return s
}

// Create prepares a DRAFT envelope with one recipient row per party. Signing
// tokens are generated here and are the only credential a signer ever holds.
func (s *Service) Create(ctx context.Context, params CreateParams) (Envelope, []Recipient, error) {
	if params.TeamID == "" {
		return Envelope{}, nil, fmt.Errorf("envelope: team id required")
	}
	if params.Title == "" || params.DocumentRef == "" {
		return Envelope{}, nil, fmt.Errorf("envelope: title and document ref required")
	}
	if !params.Mode.Valid() {
		return Envelope{}, nil, fmt.Errorf("envelope: invalid signing mode %q", params.Mode)
	}

	signers := 0
	for i, rcpt := range params.Recipients {
		if rcpt.Email == "" {
			return Envelope{}, nil, fmt.Errorf("envelope: recipient %d missing email", i)
		}
		if rcpt.Role == RoleSigner {
			signers++
		}
	}
	if signers == 0 {
		return Envelope{}, nil, ErrNoSigners
	}

	if s.teams != nil {
		if err := s.teams.Exists(ctx, params.TeamID); err != nil {
			return Envelope{}, nil, fmt.Errorf("envelope: verify team %s: %w", params.TeamID, err)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("envelope: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
		INSERT INTO envelopes (team_id, title, document_ref, mode, email_subject, status)
		VALUES ($1, $2, $3, $4::signing_mode, $5, 'DRAFT')
		RETURNING ` + envelopeColumns

	env, err := scanEnvelope(tx.QueryRow(ctx, insertSQL,
		params.TeamID,
		params.Title,
		params.DocumentRef,
		params.Mode,
		params.EmailSubject,
	))
	if err != nil {
		return Envelope{}, nil, fmt.Errorf("envelope: insert envelope: %w", err)
	}

	recipients := make([]Recipient, 0, len(params.Recipients))
	for _, in := range params.Recipients {
		role := in.Role
		if role == "" {
			role = RoleSigner
		}
		order := in.Order
		if order < 1 {
			order = 1
		}
		name := in.Name
		if name == "" {
			name = in.Email
		}

		recipientSQL := `
			INSERT INTO envelope_recipients (envelope_id, role, signing_order, signing_token, email, full_name, status)
			VALUES ($1, $2::recipient_role, $3, $4, $5, $6, 'PENDING')
			RETURNING ` + recipientColumns

		rcpt, err := scanRecipient(tx.QueryRow(ctx, recipientSQL, env.ID, role, order, s.token(), in.Email, name))
		if err != nil {
			return Envelope{}, nil, fmt.Errorf("envelope: insert recipient: %w", err)
		}
		recipients = append(recipients, rcpt)
	}

	payload := map[string]any{
		"envelope_id": env.ID,
		"team_id":     env.TeamID,
		"mode":        env.Mode,
		"recipients":  len(recipients),
	}
	if err := enqueueOutbox(ctx, tx, TopicEnvelopeCreated, payload); err != nil {
		return Envelope{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, nil, fmt.Errorf("envelope: commit create tx: %w", err)
	}
	return env, recipients, nil
}

// Send moves a DRAFT envelope to SENT and its PENDING recipients to SENT.
func (s *Service) Send(ctx context.Context, envelopeID string) (Envelope, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: begin send tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE envelopes
		SET status = 'SENT', updated_at = now()
		WHERE id = $1 AND status = 'DRAFT'
		RETURNING ` + envelopeColumns

	env, err := scanEnvelope(tx.QueryRow(ctx, updateSQL, envelopeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, lookupErr := scanEnvelope(tx.QueryRow(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = $1`, envelopeID)); errors.Is(lookupErr, pgx.ErrNoRows) {
				return Envelope{}, ErrEnvelopeNotFound
			}
			return Envelope{}, ErrInvalidTransition
		}
		return Envelope{}, fmt.Errorf("envelope: mark sent: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE envelope_recipients
		SET status = 'SENT'
		WHERE envelope_id = $1 AND status = 'PENDING'
	`, envelopeID); err != nil {
		return Envelope{}, fmt.Errorf("envelope: mark recipients sent: %w", err)
	}

	payload := map[string]any{
		"envelope_id": env.ID,
		"team_id":     env.TeamID,
	}
	if err := enqueueOutbox(ctx, tx, TopicEnvelopeSent, payload); err != nil {
		return Envelope{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Envelope{}, fmt.Errorf("envelope: commit send tx: %w", err)
	}
	return env, nil
}

// Void terminates an envelope. Only non-terminal envelopes may be voided.
func (s *Service) Void(ctx context.Context, envelopeID string) (Envelope, error) {
	return s.terminate(ctx, envelopeID, StatusVoided)
}

// Expire terminates an envelope whose signing window has lapsed.
func (s *Service) Expire(ctx context.Context, envelopeID string) (Envelope, error) {
	return s.terminate(ctx, envelopeID, StatusExpired)
}

func (s *Service) terminate(ctx context.Context, envelopeID string, next Status) (Envelope, error) {
	updateSQL := `
		UPDATE envelopes
		SET status = $2::envelope_status, updated_at = now()
		WHERE id = $1 AND status NOT IN ('COMPLETED','DECLINED','VOIDED','EXPIRED')
		RETURNING ` + envelopeColumns

	env, err := scanEnvelope(s.pool.QueryRow(ctx, updateSQL, envelopeID, next))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, lookupErr := scanEnvelope(s.pool.QueryRow(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = $1`, envelopeID)); errors.Is(lookupErr, pgx.ErrNoRows) {
				return Envelope{}, ErrEnvelopeNotFound
			}
			return Envelope{}, ErrEnvelopeTerminal
		}
		return Envelope{}, fmt.Errorf("envelope: terminate: %w", err)
	}
	return env, nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("envelope: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("envelope: enqueue outbox: %w", err)
	}
	return nil
}
