package signing

import (
	"context"
	"testing"

	"signflow/envelope"
)

func TestSigningStatus_Parallel(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusPartiallySigned)
	store.addRecipient(env, "a@example.com", envelope.RoleSigner, 1, envelope.RecipientSigned)
	store.addRecipient(env, "b@example.com", envelope.RoleSigner, 2, envelope.RecipientSent)
	store.addRecipient(env, "cc@example.com", envelope.RoleCC, 1, envelope.RecipientSent)
	svc := newTestService(store)

	report, err := svc.SigningStatus(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.TotalSigners != 2 || report.SignedCount != 1 {
		t.Fatalf("expected 1/2 signed, got %d/%d", report.SignedCount, report.TotalSigners)
	}
	if len(report.CurrentGroup) != 2 {
		t.Fatalf("parallel mode reports every signer current, got %d", len(report.CurrentGroup))
	}
	if len(report.WaitingGroups) != 0 {
		t.Fatalf("parallel mode has no waiting groups, got %v", report.WaitingGroups)
	}
	if report.IsComplete {
		t.Fatal("report must not be complete")
	}
}

func TestSigningStatus_SequentialGroups(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeMixed, envelope.StatusPartiallySigned)
	store.addRecipient(env, "a@example.com", envelope.RoleSigner, 1, envelope.RecipientSigned)
	store.addRecipient(env, "b@example.com", envelope.RoleSigner, 2, envelope.RecipientViewed)
	store.addRecipient(env, "c@example.com", envelope.RoleSigner, 2, envelope.RecipientSent)
	store.addRecipient(env, "d@example.com", envelope.RoleSigner, 3, envelope.RecipientSent)
	svc := newTestService(store)

	report, err := svc.SigningStatus(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(report.CurrentGroup) != 2 || report.CurrentGroup[0].Order != 2 {
		t.Fatalf("expected order-2 group current, got %+v", report.CurrentGroup)
	}
	if len(report.WaitingGroups) != 1 || report.WaitingGroups[0].Order != 3 {
		t.Fatalf("expected order-3 group waiting, got %+v", report.WaitingGroups)
	}
}

func TestSigningStatus_Complete(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeSequential, envelope.StatusCompleted)
	store.addRecipient(env, "a@example.com", envelope.RoleSigner, 1, envelope.RecipientSigned)
	store.addRecipient(env, "b@example.com", envelope.RoleSigner, 2, envelope.RecipientSigned)
	svc := newTestService(store)

	report, err := svc.SigningStatus(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !report.IsComplete {
		t.Fatal("expected complete report")
	}
	if len(report.CurrentGroup) != 0 || len(report.WaitingGroups) != 0 {
		t.Fatalf("complete envelope has no active groups, got %+v", report)
	}
}

func TestSigningStatus_NoSigners(t *testing.T) {
	store := newFakeStore()
	env := store.addEnvelope(envelope.ModeParallel, envelope.StatusSent)
	svc := newTestService(store)

	report, err := svc.SigningStatus(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.TotalSigners != 0 || report.SignedCount != 0 {
		t.Fatalf("expected zero totals, got %+v", report)
	}
	if !report.IsComplete {
		t.Fatal("degenerate signerless envelope reports complete")
	}
}

func TestSigningStatus_UnknownEnvelope(t *testing.T) {
	svc := newTestService(newFakeStore())

	if _, err := svc.SigningStatus(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown envelope")
	}
}
