package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"signflow/audit"
	"signflow/envelope"
	"signflow/filing"
)

func TestRecordCompletion_SingleSigner(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusSent)
	rcpt := store.addRecipient(env, "solo@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)

	auditor := &fakeAudit{}
	contacts := &fakeContacts{}
	filer := &fakeFiler{}
	sink := &fakeSink{}
	svc := newTestService(store).
		WithAuditLogger(auditor).
		WithContactCreator(contacts).
		WithFiler(filer).
		WithErrorSink(sink)

	result, err := svc.RecordCompletion(context.Background(), CompletionParams{
		Token:         rcpt.SigningToken,
		SignatureData: "data:image/png;base64,abc",
		SignatureType: "drawn",
		IPAddress:     "203.0.113.7",
		UserAgent:     "test-agent",
		FieldValues:   map[string]any{"initials": "SD"},
		ConsentGiven:  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || !result.EnvelopeComplete {
		t.Fatalf("expected complete success, got %+v", result)
	}
	if result.Filing == nil {
		t.Fatal("expected filing result on completion")
	}

	signed := store.recipient(rcpt.ID)
	if signed.Status != envelope.RecipientSigned {
		t.Fatalf("expected SIGNED, got %s", signed.Status)
	}
	if signed.Consent == nil || signed.Consent.ContentHash == "" {
		t.Fatal("expected consent record with content hash")
	}
	if signed.Consent.Version != ConsentSchemaVersion {
		t.Fatalf("expected consent version %q, got %q", ConsentSchemaVersion, signed.Consent.Version)
	}
	if signed.Checksum == nil || signed.Checksum.Digest != signed.Consent.ContentHash {
		t.Fatal("expected checksum digest to match consent hash")
	}
	if store.envelopeByID(env.ID).Status != envelope.StatusCompleted {
		t.Fatal("expected envelope COMPLETED")
	}

	if got := auditor.count(); got != 2 {
		t.Fatalf("expected 2 audit events, got %d", got)
	}
	if evs := auditor.byType(audit.EventDocumentSigned); len(evs) != 1 || evs[0].ResourceID != env.ID {
		t.Fatalf("unexpected signed audit events %+v", evs)
	}
	if evs := auditor.byType(audit.EventEnvelopeCompleted); len(evs) != 1 || evs[0].ResourceID != env.ID {
		t.Fatalf("unexpected completion audit events %+v", evs)
	}
	if contacts.count() != 1 {
		t.Fatalf("expected 1 contact creation, got %d", contacts.count())
	}
	if filer.count() != 1 {
		t.Fatalf("expected 1 filing call, got %d", filer.count())
	}
	if len(sink.all()) != 0 {
		t.Fatalf("expected no sink errors, got %v", sink.all())
	}
}

func TestRecordCompletion_ConsentRequired(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusSent)
	rcpt := store.addRecipient(env, "solo@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)
	svc := newTestService(store)

	_, err := svc.RecordCompletion(context.Background(), CompletionParams{
		Token:        rcpt.SigningToken,
		ConsentGiven: false,
	})
	var elig *EligibilityError
	if !errors.As(err, &elig) {
		t.Fatalf("expected EligibilityError, got %v", err)
	}
	if !strings.Contains(elig.Reason, "consent") {
		t.Fatalf("expected consent reason, got %q", elig.Reason)
	}
	if store.recipient(rcpt.ID).Status == envelope.RecipientSigned {
		t.Fatal("recipient must not be signed without consent")
	}
}

func TestRecordCompletion_SequentialOrderEnforced(t *testing.T) {
	// Orders [1,1,2]: the order-2 signer must wait for both order-1 signers.
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeSequential, envelope.StatusSent)
	a := store.addRecipient(env, "a@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)
	b := store.addRecipient(env, "b@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)
	c := store.addRecipient(env, "c@example.com", envelope.RoleSigner, 2, envelope.RecipientSent)
	svc := newTestService(store)
	ctx := context.Background()

	complete := func(tok string) (CompletionResult, error) {
		return svc.RecordCompletion(ctx, CompletionParams{Token: tok, IPAddress: "10.0.0.1", UserAgent: "t", ConsentGiven: true})
	}

	var elig *EligibilityError
	if _, err := complete(c.SigningToken); !errors.As(err, &elig) || !strings.Contains(elig.Reason, "waiting") {
		t.Fatalf("expected ordering rejection for order-2 signer, got %v", err)
	}

	res, err := complete(a.SigningToken)
	if err != nil {
		t.Fatalf("order-1 signer a: %v", err)
	}
	if res.EnvelopeComplete {
		t.Fatal("envelope must not be complete after first signature")
	}
	if len(res.NextRecipients) != 0 {
		t.Fatalf("group not cleared yet, expected no newly eligible, got %v", res.NextRecipients)
	}

	if _, err := complete(c.SigningToken); !errors.As(err, &elig) {
		t.Fatalf("order-2 signer must still be blocked, got %v", err)
	}

	res, err = complete(b.SigningToken)
	if err != nil {
		t.Fatalf("order-1 signer b: %v", err)
	}
	if got, want := res.NextRecipients, []string{"c@example.com"}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("expected order-2 signer newly eligible, got %v", got)
	}

	res, err = complete(c.SigningToken)
	if err != nil {
		t.Fatalf("order-2 signer after unblock: %v", err)
	}
	if !res.EnvelopeComplete {
		t.Fatal("expected final completion signal")
	}
}

func TestRecordCompletion_MixedGroups(t *testing.T) {
	// Orders [1,1,2,2]: group-1 members sign in either order; group-2 is
	// blocked until group-1 fully clears.
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeMixed, envelope.StatusSent)
	a1 := store.addRecipient(env, "a1@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)
	a2 := store.addRecipient(env, "a2@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)
	b1 := store.addRecipient(env, "b1@example.com", envelope.RoleSigner, 2, envelope.RecipientSent)
	b2 := store.addRecipient(env, "b2@example.com", envelope.RoleSigner, 2, envelope.RecipientSent)
	svc := newTestService(store)
	ctx := context.Background()

	complete := func(tok string) (CompletionResult, error) {
		return svc.RecordCompletion(ctx, CompletionParams{Token: tok, IPAddress: "10.0.0.1", UserAgent: "t", ConsentGiven: true})
	}

	var elig *EligibilityError
	if _, err := complete(b1.SigningToken); !errors.As(err, &elig) {
		t.Fatalf("group-2 must be blocked, got %v", err)
	}

	// Group-1 in reverse insertion order.
	if _, err := complete(a2.SigningToken); err != nil {
		t.Fatalf("a2: %v", err)
	}
	if _, err := complete(b2.SigningToken); !errors.As(err, &elig) {
		t.Fatalf("group-2 still blocked with one group-1 signature, got %v", err)
	}
	res, err := complete(a1.SigningToken)
	if err != nil {
		t.Fatalf("a1: %v", err)
	}
	if len(res.NextRecipients) != 2 {
		t.Fatalf("expected both group-2 members newly eligible, got %v", res.NextRecipients)
	}

	if _, err := complete(b2.SigningToken); err != nil {
		t.Fatalf("b2: %v", err)
	}
	res, err = complete(b1.SigningToken)
	if err != nil {
		t.Fatalf("b1: %v", err)
	}
	if !res.EnvelopeComplete {
		t.Fatal("expected completion after final group-2 signature")
	}
}

func TestRecordCompletion_ParallelAnyOrder(t *testing.T) {
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, perm := range perms {
		t.Run(fmt.Sprintf("%v", perm), func(t *testing.T) {
			store := newFakeStore()
			env := store.addEnvelope(envelope.ModeParallel, envelope.StatusSent)
			tokens := []string{
				store.addRecipient(env, "p1@example.com", envelope.RoleSigner, 1, envelope.RecipientSent).SigningToken,
				store.addRecipient(env, "p2@example.com", envelope.RoleSigner, 2, envelope.RecipientSent).SigningToken,
				store.addRecipient(env, "p3@example.com", envelope.RoleSigner, 3, envelope.RecipientSent).SigningToken,
			}
			svc := newTestService(store)

			for i, idx := range perm {
				res, err := svc.RecordCompletion(context.Background(), CompletionParams{
					Token: tokens[idx], IPAddress: "10.0.0.1", UserAgent: "t", ConsentGiven: true,
				})
				if err != nil {
					t.Fatalf("signer %d: %v", idx, err)
				}
				wantComplete := i == len(perm)-1
				if res.EnvelopeComplete != wantComplete {
					t.Fatalf("call %d: EnvelopeComplete=%v, want %v", i, res.EnvelopeComplete, wantComplete)
				}
			}
		})
	}
}

func TestRecordCompletion_ConcurrentDoubleSign(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusSent)
	rcpt := store.addRecipient(env, "dup@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)
	svc := newTestService(store)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RecordCompletion(context.Background(), CompletionParams{
				Token: rcpt.SigningToken, IPAddress: "10.0.0.1", UserAgent: "t", ConsentGiven: true,
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var elig *EligibilityError
		if !errors.As(err, &elig) || !strings.Contains(elig.Reason, "already signed") {
			t.Fatalf("loser must observe already-signed, got %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful completion, got %d", successes)
	}
}

func TestRecordCompletion_TerminalEnvelope(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusVoided)
	rcpt := store.addRecipient(env, "a@example.com", envelope.RoleSigner, 1, envelope.RecipientViewed)
	svc := newTestService(store)

	_, err := svc.RecordCompletion(context.Background(), CompletionParams{
		Token: rcpt.SigningToken, ConsentGiven: true,
	})
	var elig *EligibilityError
	if !errors.As(err, &elig) || !strings.Contains(elig.Reason, "voided") {
		t.Fatalf("expected voided rejection, got %v", err)
	}
}

func TestRecordCompletion_VoidRacingInNamesFreshStatus(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusSent)
	rcpt := store.addRecipient(env, "solo@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)
	svc := newTestService(store)

	// The void lands after authentication succeeds but before the signature
	// write; the rejection must name the terminal state the store holds now,
	// not the pre-transaction snapshot.
	store.beforeComplete = func() {
		store.setEnvelopeStatus(env.ID, envelope.StatusVoided)
	}

	_, err := svc.RecordCompletion(context.Background(), CompletionParams{
		Token: rcpt.SigningToken, IPAddress: "10.0.0.1", UserAgent: "t", ConsentGiven: true,
	})
	var elig *EligibilityError
	if !errors.As(err, &elig) {
		t.Fatalf("expected EligibilityError, got %v", err)
	}
	if !strings.Contains(elig.Reason, "voided") {
		t.Fatalf("expected the rejection to name the voided state, got %q", elig.Reason)
	}
}

func TestRecordCompletion_SideEffectFailuresSwallowed(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusSent)
	rcpt := store.addRecipient(env, "solo@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)

	sink := &fakeSink{}
	svc := newTestService(store).
		WithAuditLogger(&fakeAudit{err: errors.New("audit down")}).
		WithContactCreator(&fakeContacts{err: errors.New("crm down")}).
		WithFiler(&fakeFiler{err: errors.New("filing down")}).
		WithErrorSink(sink)

	result, err := svc.RecordCompletion(context.Background(), CompletionParams{
		Token: rcpt.SigningToken, IPAddress: "10.0.0.1", UserAgent: "t", ConsentGiven: true,
	})
	if err != nil {
		t.Fatalf("signing must not fail on side-effect errors: %v", err)
	}
	if !result.Success || !result.EnvelopeComplete {
		t.Fatalf("expected successful completion, got %+v", result)
	}
	if result.Filing != nil {
		t.Fatal("expected no filing result when the filer failed")
	}
	// Both audit events (signed, completed) plus the contact and filing calls
	// fail; all four land in the sink.
	if got := len(sink.all()); got != 4 {
		t.Fatalf("expected 4 reported side-effect failures, got %d: %v", got, sink.all())
	}
	if store.recipient(rcpt.ID).Status != envelope.RecipientSigned {
		t.Fatal("signature write must survive side-effect failures")
	}
}

func TestRecordDecline(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeSequential, envelope.StatusSent)
	signer := store.addRecipient(env, "s@example.com", envelope.RoleSigner, 1, envelope.RecipientViewed)
	svc := newTestService(store).WithAuditLogger(&fakeAudit{})

	res, err := svc.RecordDecline(context.Background(), DeclineParams{
		Token: signer.SigningToken, IPAddress: "10.0.0.1", UserAgent: "t", Reason: "terms unacceptable",
	})
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if !res.Success || !res.EnvelopeDeclined {
		t.Fatalf("expected signer decline to terminate the envelope, got %+v", res)
	}
	if store.envelopeByID(env.ID).Status != envelope.StatusDeclined {
		t.Fatal("expected envelope DECLINED")
	}

	// Any further completion attempt is gated by the terminal envelope.
	var elig *EligibilityError
	if _, err := svc.RecordCompletion(context.Background(), CompletionParams{
		Token: signer.SigningToken, ConsentGiven: true,
	}); !errors.As(err, &elig) {
		t.Fatalf("expected eligibility error after decline, got %v", err)
	}
}

func TestRecordDecline_NonSignerDoesNotTerminate(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusSent)
	store.addRecipient(env, "s@example.com", envelope.RoleSigner, 1, envelope.RecipientSent)
	cc := store.addRecipient(env, "cc@example.com", envelope.RoleCC, 1, envelope.RecipientSent)
	svc := newTestService(store)

	res, err := svc.RecordDecline(context.Background(), DeclineParams{Token: cc.SigningToken})
	if err != nil {
		t.Fatalf("cc decline: %v", err)
	}
	if res.EnvelopeDeclined {
		t.Fatal("cc decline must not terminate the envelope")
	}
	if store.envelopeByID(env.ID).Status == envelope.StatusDeclined {
		t.Fatal("envelope must remain live after cc decline")
	}
}

type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (f *fakeAudit) LogEvent(ctx context.Context, event audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeAudit) byType(eventType string) []audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []audit.Event
	for _, ev := range f.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeContacts struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeContacts) AutoCreateContact(ctx context.Context, teamID, email, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls++
	return nil
}

func (f *fakeContacts) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFiler struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeFiler) AutoFileEnvelopeDocument(ctx context.Context, envelopeID string) (filing.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return filing.Result{}, f.err
	}
	f.calls++
	return filing.Result{EnvelopeID: envelopeID, FiledDocumentID: "filed-1"}, nil
}

func (f *fakeFiler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu   sync.Mutex
	errs []error
}

func (f *fakeSink) Report(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeSink) all() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}
