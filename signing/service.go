package signing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"signflow/audit"
	"signflow/envelope"
	"signflow/filing"
)

// ErrInvalidToken is returned when a signing token resolves to no recipient.
var ErrInvalidToken = errors.New("signing: invalid signing token")

// EligibilityError carries the user-facing reason a completion or decline was
// refused. The UI renders Reason verbatim.
type EligibilityError struct {
	Reason string
}

func (e *EligibilityError) Error() string {
	return "signing: not eligible: " + e.Reason
}

// Store is the persistence surface the signing engine depends on. Implemented
// by envelope.Repository; tests substitute an in-memory fake.
type Store interface {
	RecipientByToken(ctx context.Context, token string) (envelope.Recipient, error)
	Envelope(ctx context.Context, id string) (envelope.Envelope, error)
	ListSigners(ctx context.Context, envelopeID string) ([]envelope.Recipient, error)
	MarkViewed(ctx context.Context, recipientID string) (envelope.Recipient, error)
	CompleteSigning(ctx context.Context, params envelope.CompleteSigningParams) (envelope.CompleteSigningOutcome, error)
	DeclineSigning(ctx context.Context, params envelope.DeclineSigningParams) (envelope.DeclineSigningOutcome, error)
}

// AuditLogger records signature events. Failures never fail the signing path.
type AuditLogger interface {
	LogEvent(ctx context.Context, event audit.Event) error
}

// ContactCreator is the CRM collaborator invoked best-effort after a
// signature.
type ContactCreator interface {
	AutoCreateContact(ctx context.Context, teamID, email, name string) error
}

// DocumentFiler archives the executed document once the envelope completes.
// Must be idempotent; completion retries it out-of-band on failure.
type DocumentFiler interface {
	AutoFileEnvelopeDocument(ctx context.Context, envelopeID string) (filing.Result, error)
}

// ErrorSink receives side-effect failures that were swallowed off the
// critical path.
type ErrorSink interface {
	Report(err error)
}

type logSink struct{}

func (logSink) Report(err error) {
	log.Printf("signing: background task failed: %v", err)
}

// Service is the signing engine: signer authentication, completion recording,
// decline handling, and status reporting. Stateless between calls; all state
// lives in the store.
type Service struct {
	store    Store
	auditor  AuditLogger
	contacts ContactCreator
	filer    DocumentFiler
	sink     ErrorSink
	now      func() time.Time
	dispatch func(fn func())
}

// NewService builds a signing service over the given store.
func NewService(store Store) *Service {
	return &Service{
		store:    store,
		sink:     logSink{},
		now:      time.Now,
		dispatch: func(fn func()) { go fn() },
	}
}

// WithAuditLogger attaches the audit collaborator.
func (s *Service) WithAuditLogger(a AuditLogger) *Service {
	s.auditor = a
	return s
}

// WithContactCreator attaches the CRM collaborator.
func (s *Service) WithContactCreator(c ContactCreator) *Service {
	s.contacts = c
	return s
}

// WithFiler attaches the document auto-filer.
func (s *Service) WithFiler(f DocumentFiler) *Service {
	s.filer = f
	return s
}

// WithErrorSink replaces the default log-based sink.
func (s *Service) WithErrorSink(sink ErrorSink) *Service {
	s.sink = sink
	return s
}

// SignerSession describes whether, and why (not), a token bearer may sign
// right now.
type SignerSession struct {
	Recipient envelope.Recipient
	Envelope  envelope.Envelope
	CanSign   bool
	Reason    string
}

// AuthenticateSigner resolves a signing token into a session. First access by
// a pre-view recipient marks them VIEWED (first-view-wins) even when the
// verdict is a wait; a blocked signer has still viewed the envelope.
func (s *Service) AuthenticateSigner(ctx context.Context, token string) (SignerSession, error) {
	rcpt, err := s.store.RecipientByToken(ctx, token)
	if err != nil {
		if errors.Is(err, envelope.ErrRecipientNotFound) {
			return SignerSession{}, ErrInvalidToken
		}
		return SignerSession{}, fmt.Errorf("signing: resolve token: %w", err)
	}

	env, err := s.store.Envelope(ctx, rcpt.EnvelopeID)
	if err != nil {
		return SignerSession{}, fmt.Errorf("signing: load envelope: %w", err)
	}

	session := SignerSession{Recipient: rcpt, Envelope: env}

	switch env.Status {
	case envelope.StatusVoided, envelope.StatusDeclined, envelope.StatusExpired:
		session.Reason = terminalReason(env.Status)
		return session, nil
	}

	switch rcpt.Status {
	case envelope.RecipientSigned:
		session.Reason = "you have already signed this document"
		return session, nil
	case envelope.RecipientDeclined:
		session.Reason = "you have already declined this document"
		return session, nil
	}

	switch rcpt.Status {
	case envelope.RecipientPending, envelope.RecipientSent, envelope.RecipientDelivered:
		viewed, err := s.store.MarkViewed(ctx, rcpt.ID)
		if err != nil {
			return SignerSession{}, fmt.Errorf("signing: mark viewed: %w", err)
		}
		session.Recipient = viewed
		env, err = s.store.Envelope(ctx, rcpt.EnvelopeID)
		if err != nil {
			return SignerSession{}, fmt.Errorf("signing: reload envelope: %w", err)
		}
		session.Envelope = env
	}

	if session.Recipient.Role != envelope.RoleSigner {
		session.Reason = "recipient does not need to sign"
		return session, nil
	}

	signers, err := s.store.ListSigners(ctx, rcpt.EnvelopeID)
	if err != nil {
		return SignerSession{}, fmt.Errorf("signing: list signers: %w", err)
	}

	session.CanSign, session.Reason = Eligible(session.Recipient, signers, env.Mode)
	return session, nil
}

func terminalReason(status envelope.Status) string {
	return fmt.Sprintf("this document is no longer available: envelope %s", strings.ToLower(string(status)))
}
