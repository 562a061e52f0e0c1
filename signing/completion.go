package signing

import (
	"context"
	"errors"
	"fmt"

	"signflow/audit"
	"signflow/envelope"
	"signflow/filing"
)

// CompletionParams is the full payload of a "signer has finished" request.
type CompletionParams struct {
	Token         string
	SignatureData string
	SignatureType string
	IPAddress     string
	UserAgent     string
	FieldValues   map[string]any
	ConsentGiven  bool
}

// CompletionResult reports a recorded signature.
type CompletionResult struct {
	Success          bool
	EnvelopeComplete bool
	NextRecipients   []string
	Filing           *filing.Result
}

// DeclineParams is the payload of a signer refusing to sign.
type DeclineParams struct {
	Token     string
	IPAddress string
	UserAgent string
	Reason    string
}

// DeclineResult reports a recorded decline.
type DeclineResult struct {
	Success          bool
	EnvelopeDeclined bool
}

// RecordCompletion is the sole write path for a finished signature. The
// client's view of its own eligibility is never trusted: the token is
// re-authenticated first, and the SIGNED transition is conditional on the
// recipient's prior status so concurrent duplicates lose cleanly.
func (s *Service) RecordCompletion(ctx context.Context, params CompletionParams) (CompletionResult, error) {
	session, err := s.AuthenticateSigner(ctx, params.Token)
	if err != nil {
		return CompletionResult{}, err
	}
	if !session.CanSign {
		return CompletionResult{}, &EligibilityError{Reason: session.Reason}
	}
	if !params.ConsentGiven {
		return CompletionResult{}, &EligibilityError{Reason: "explicit consent to sign electronically is required"}
	}

	signedAt := s.now().UTC()
	consent := NewConsentRecord(session.Recipient.Email, signedAt, params.IPAddress, params.UserAgent, params.ConsentGiven)
	checksum := envelope.ChecksumRecord{Digest: consent.ContentHash, SignedAt: signedAt}

	outcome, err := s.store.CompleteSigning(ctx, envelope.CompleteSigningParams{
		RecipientID:   session.Recipient.ID,
		EnvelopeID:    session.Envelope.ID,
		SignedAt:      signedAt,
		IPAddress:     params.IPAddress,
		UserAgent:     params.UserAgent,
		SignatureData: params.SignatureData,
		SignatureType: params.SignatureType,
		FieldValues:   params.FieldValues,
		Consent:       consent,
		Checksum:      checksum,
	})
	if err != nil {
		switch {
		case errors.Is(err, envelope.ErrRecipientFinal):
			return CompletionResult{}, &EligibilityError{Reason: "you have already signed this document"}
		case errors.Is(err, envelope.ErrEnvelopeTerminal):
			return CompletionResult{}, &EligibilityError{Reason: terminalReason(s.freshStatus(ctx, session.Envelope))}
		default:
			return CompletionResult{}, fmt.Errorf("signing: record completion: %w", err)
		}
	}

	adv, err := Advance(outcome.Recipient, outcome.Signers, session.Envelope.Mode)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("signing: advance order: %w", err)
	}

	result := CompletionResult{
		Success:          true,
		EnvelopeComplete: outcome.EnvelopeCompleted,
		NextRecipients:   adv.NextEligible,
	}

	s.logSignedEvent(session, outcome)
	if outcome.EnvelopeCompleted {
		s.logCompletedEvent(session, outcome)
	}
	s.createContact(session)

	if outcome.EnvelopeCompleted && s.filer != nil {
		filed, err := s.filer.AutoFileEnvelopeDocument(ctx, session.Envelope.ID)
		if err != nil {
			// A signed document must never be lost to a filing hiccup; the
			// outbox dispatcher retries out-of-band.
			s.sink.Report(fmt.Errorf("signing: auto-file envelope %s: %w", session.Envelope.ID, err))
		} else {
			result.Filing = &filed
		}
	}

	return result, nil
}

// RecordDecline marks the token bearer as DECLINED. A SIGNER decline
// terminates the whole envelope.
func (s *Service) RecordDecline(ctx context.Context, params DeclineParams) (DeclineResult, error) {
	rcpt, err := s.store.RecipientByToken(ctx, params.Token)
	if err != nil {
		if errors.Is(err, envelope.ErrRecipientNotFound) {
			return DeclineResult{}, ErrInvalidToken
		}
		return DeclineResult{}, fmt.Errorf("signing: resolve token: %w", err)
	}

	env, err := s.store.Envelope(ctx, rcpt.EnvelopeID)
	if err != nil {
		return DeclineResult{}, fmt.Errorf("signing: load envelope: %w", err)
	}
	if env.Status.Terminal() {
		return DeclineResult{}, &EligibilityError{Reason: terminalReason(env.Status)}
	}
	switch rcpt.Status {
	case envelope.RecipientSigned:
		return DeclineResult{}, &EligibilityError{Reason: "you have already signed this document"}
	case envelope.RecipientDeclined:
		return DeclineResult{}, &EligibilityError{Reason: "you have already declined this document"}
	}

	outcome, err := s.store.DeclineSigning(ctx, envelope.DeclineSigningParams{
		RecipientID: rcpt.ID,
		EnvelopeID:  env.ID,
		IPAddress:   params.IPAddress,
		UserAgent:   params.UserAgent,
		Reason:      params.Reason,
	})
	if err != nil {
		switch {
		case errors.Is(err, envelope.ErrRecipientFinal):
			return DeclineResult{}, &EligibilityError{Reason: "you have already declined this document"}
		case errors.Is(err, envelope.ErrEnvelopeTerminal):
			return DeclineResult{}, &EligibilityError{Reason: terminalReason(s.freshStatus(ctx, env))}
		default:
			return DeclineResult{}, fmt.Errorf("signing: record decline: %w", err)
		}
	}

	if s.auditor != nil {
		event := audit.Event{
			EventType:    audit.EventDocumentDeclined,
			TeamID:       env.TeamID,
			ResourceType: audit.ResourceEnvelope,
			ResourceID:   env.ID,
			IPAddress:    params.IPAddress,
			UserAgent:    params.UserAgent,
			Metadata: map[string]any{
				"recipient_id":      outcome.Recipient.ID,
				"recipient_email":   outcome.Recipient.Email,
				"envelope_declined": outcome.EnvelopeDeclined,
				"reason":            params.Reason,
			},
		}
		s.dispatch(func() {
			if err := s.auditor.LogEvent(context.Background(), event); err != nil {
				s.sink.Report(fmt.Errorf("signing: audit decline: %w", err))
			}
		})
	}

	return DeclineResult{Success: true, EnvelopeDeclined: outcome.EnvelopeDeclined}, nil
}

func (s *Service) logSignedEvent(session SignerSession, outcome envelope.CompleteSigningOutcome) {
	if s.auditor == nil {
		return
	}
	rcpt := outcome.Recipient
	event := audit.Event{
		EventType:    audit.EventDocumentSigned,
		TeamID:       session.Envelope.TeamID,
		ResourceType: audit.ResourceEnvelope,
		ResourceID:   session.Envelope.ID,
		IPAddress:    derefString(rcpt.IPAddress),
		UserAgent:    derefString(rcpt.UserAgent),
		Metadata: map[string]any{
			"recipient_id":      rcpt.ID,
			"recipient_email":   rcpt.Email,
			"consent_hash":      consentHash(rcpt),
			"envelope_complete": outcome.EnvelopeCompleted,
		},
	}
	s.dispatch(func() {
		// Detached from the request context: the signature already committed
		// and audit logging must not be cancelled with the request.
		if err := s.auditor.LogEvent(context.Background(), event); err != nil {
			s.sink.Report(fmt.Errorf("signing: audit signature: %w", err))
		}
	})
}

// freshStatus re-reads the envelope so a rejection races to a terminal
// transition (say, a void landing mid-request) names the terminal state the
// store actually holds, not the one loaded before the write.
func (s *Service) freshStatus(ctx context.Context, env envelope.Envelope) envelope.Status {
	current, err := s.store.Envelope(ctx, env.ID)
	if err != nil {
		return env.Status
	}
	return current.Status
}

func (s *Service) logCompletedEvent(session SignerSession, outcome envelope.CompleteSigningOutcome) {
	if s.auditor == nil {
		return
	}
	event := audit.Event{
		EventType:    audit.EventEnvelopeCompleted,
		TeamID:       session.Envelope.TeamID,
		ResourceType: audit.ResourceEnvelope,
		ResourceID:   session.Envelope.ID,
		Metadata: map[string]any{
			"final_recipient_id": outcome.Recipient.ID,
			"signer_count":       len(outcome.Signers),
		},
	}
	s.dispatch(func() {
		if err := s.auditor.LogEvent(context.Background(), event); err != nil {
			s.sink.Report(fmt.Errorf("signing: audit completion: %w", err))
		}
	})
}

func (s *Service) createContact(session SignerSession) {
	if s.contacts == nil {
		return
	}
	teamID := session.Envelope.TeamID
	email := session.Recipient.Email
	name := session.Recipient.Name
	s.dispatch(func() {
		if err := s.contacts.AutoCreateContact(context.Background(), teamID, email, name); err != nil {
			s.sink.Report(fmt.Errorf("signing: auto-create contact %s: %w", email, err))
		}
	})
}

func consentHash(rcpt envelope.Recipient) string {
	if rcpt.Consent == nil {
		return ""
	}
	return rcpt.Consent.ContentHash
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
