package envelope

import "time"

// Status is the envelope lifecycle state.
type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusSent            Status = "SENT"
	StatusViewed          Status = "VIEWED"
	StatusPartiallySigned Status = "PARTIALLY_SIGNED"
	StatusCompleted       Status = "COMPLETED"
	StatusDeclined        Status = "DECLINED"
	StatusVoided          Status = "VOIDED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether the envelope can no longer progress.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusVoided, StatusExpired:
		return true
	default:
		return false
	}
}

// Mode governs how signers progress relative to each other.
type Mode string

const (
	ModeParallel   Mode = "PARALLEL"
	ModeSequential Mode = "SEQUENTIAL"
	ModeMixed      Mode = "MIXED"
)

// Valid reports whether the mode is one of the known signing modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeParallel, ModeSequential, ModeMixed:
		return true
	default:
		return false
	}
}

// Role classifies a recipient's participation.
type Role string

const (
	RoleSigner            Role = "SIGNER"
	RoleCC                Role = "CC"
	RoleCertifiedDelivery Role = "CERTIFIED_DELIVERY"
)

// RecipientStatus is the per-recipient lifecycle state.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "PENDING"
	RecipientSent      RecipientStatus = "SENT"
	RecipientDelivered RecipientStatus = "DELIVERED"
	RecipientViewed    RecipientStatus = "VIEWED"
	RecipientSigned    RecipientStatus = "SIGNED"
	RecipientDeclined  RecipientStatus = "DECLINED"
)

// Terminal reports whether the recipient can no longer act.
func (s RecipientStatus) Terminal() bool {
	return s == RecipientSigned || s == RecipientDeclined
}

// Envelope mirrors the envelopes table columns touched by the engine.
type Envelope struct {
	ID            string
	TeamID        string
	Title         string
	DocumentRef   string
	Mode          Mode
	Status        Status
	EmailSubject  *string
	DocumentFiled bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConsentRecord is the ESIGN/UETA provenance bundle stamped on a recipient
// at the moment of signing. It is written exactly once and never updated.
type ConsentRecord struct {
	Email        string `json:"email"`
	Timestamp    string `json:"timestamp"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
	ConsentGiven bool   `json:"consent_given"`
	ContentHash  string `json:"content_hash"`
	Version      string `json:"version"`
}

// ChecksumRecord binds the consent digest to the signing instant.
type ChecksumRecord struct {
	Digest   string    `json:"digest"`
	SignedAt time.Time `json:"signed_at"`
}

// Recipient mirrors the envelope_recipients table.
type Recipient struct {
	ID           string
	EnvelopeID   string
	Role         Role
	Order        int
	SigningToken string
	Email        string
	Name         string
	Status       RecipientStatus
	ViewedAt     *time.Time
	SignedAt     *time.Time
	IPAddress    *string
	UserAgent    *string
	Consent      *ConsentRecord
	Checksum     *ChecksumRecord
	CreatedAt    time.Time
}

// CompleteSigningParams enumerates the writes applied when a recipient signs.
// Everything commits in a single transaction keyed to the recipient's prior
// status so exactly one concurrent completion can succeed.
type CompleteSigningParams struct {
	RecipientID   string
	EnvelopeID    string
	SignedAt      time.Time
	IPAddress     string
	UserAgent     string
	SignatureData string
	SignatureType string
	FieldValues   map[string]any
	Consent       ConsentRecord
	Checksum      ChecksumRecord
}

// CompleteSigningOutcome reports the committed transition plus a snapshot of
// every signer taken inside the same transaction, after the write.
type CompleteSigningOutcome struct {
	Recipient Recipient
	// EnvelopeCompleted is true only for the call that won the envelope's
	// transition to COMPLETED.
	EnvelopeCompleted bool
	Signers           []Recipient
}

// DeclineSigningParams enumerates the writes applied when a recipient declines.
type DeclineSigningParams struct {
	RecipientID string
	EnvelopeID  string
	IPAddress   string
	UserAgent   string
	Reason      string
}

// DeclineSigningOutcome reports the committed decline transition.
type DeclineSigningOutcome struct {
	Recipient Recipient
	// EnvelopeDeclined is true when the decline terminated the envelope
	// (only SIGNER declines do).
	EnvelopeDeclined bool
}
