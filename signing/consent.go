package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"signflow/envelope"
)

// ConsentSchemaVersion tags the consent record layout so future changes to
// the canonical tuple stay distinguishable in stored records.
const ConsentSchemaVersion = "esign-consent/v1"

// NewConsentRecord builds the ESIGN/UETA consent record for a signature
// event. The SHA-256 commitment covers the canonical tuple and is the
// tamper-evidence anchor; it is not a secret. Identical inputs always
// produce the identical digest. Each field is length-prefixed so
// caller-supplied values (IP, user agent) cannot shift a field boundary
// and collide two distinct tuples into one digest.
func NewConsentRecord(email string, signedAt time.Time, ipAddress, userAgent string, consentGiven bool) envelope.ConsentRecord {
	ts := signedAt.UTC().Format(time.RFC3339)
	canonical := fmt.Sprintf("%d:%s|%d:%s|%d:%s|%d:%s|%t",
		len(email), email, len(ts), ts, len(ipAddress), ipAddress, len(userAgent), userAgent, consentGiven)
	sum := sha256.Sum256([]byte(canonical))

	return envelope.ConsentRecord{
		Email:        email,
		Timestamp:    ts,
		IPAddress:    ipAddress,
		UserAgent:    userAgent,
		ConsentGiven: consentGiven,
		ContentHash:  hex.EncodeToString(sum[:]),
		Version:      ConsentSchemaVersion,
	}
}
