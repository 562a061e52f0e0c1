package signing

import (
	"context"
	"fmt"

	"signflow/envelope"
)

// MemberStatus is one signer's progress as shown in the UI.
type MemberStatus struct {
	Email  string
	Name   string
	Order  int
	Status envelope.RecipientStatus
}

// WaitingGroup is an order group that cannot act yet.
type WaitingGroup struct {
	Order   int
	Members []MemberStatus
}

// StatusReport reconstructs signing progress for display.
type StatusReport struct {
	EnvelopeID     string
	EnvelopeStatus envelope.Status
	Mode           envelope.Mode
	TotalSigners   int
	SignedCount    int
	CurrentGroup   []MemberStatus
	WaitingGroups  []WaitingGroup
	IsComplete     bool
}

// SigningStatus is the read-only progress view. PARALLEL envelopes report a
// single current group; SEQUENTIAL/MIXED report the lowest unfinished order
// group as current and every higher group as waiting, ascending.
func (s *Service) SigningStatus(ctx context.Context, envelopeID string) (StatusReport, error) {
	env, err := s.store.Envelope(ctx, envelopeID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("signing: status envelope: %w", err)
	}

	signers, err := s.store.ListSigners(ctx, envelopeID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("signing: status signers: %w", err)
	}

	report := StatusReport{
		EnvelopeID:     env.ID,
		EnvelopeStatus: env.Status,
		Mode:           env.Mode,
		TotalSigners:   len(signers),
	}
	for _, r := range signers {
		if r.Status == envelope.RecipientSigned {
			report.SignedCount++
		}
	}

	// No signers on record: degrade to a trivially complete report rather
	// than failing the progress page.
	if len(signers) == 0 {
		report.IsComplete = true
		return report, nil
	}

	report.IsComplete = report.SignedCount == report.TotalSigners

	if env.Mode == envelope.ModeParallel {
		report.CurrentGroup = toMembers(signers)
		return report, nil
	}

	groups := groupByOrder(signers)
	currentFound := false
	for _, g := range groups {
		if !currentFound && !groupSigned(g.members) {
			report.CurrentGroup = toMembers(g.members)
			currentFound = true
			continue
		}
		if currentFound {
			report.WaitingGroups = append(report.WaitingGroups, WaitingGroup{
				Order:   g.order,
				Members: toMembers(g.members),
			})
		}
	}
	return report, nil
}

func toMembers(recipients []envelope.Recipient) []MemberStatus {
	members := make([]MemberStatus, 0, len(recipients))
	for _, r := range recipients {
		members = append(members, MemberStatus{
			Email:  r.Email,
			Name:   r.Name,
			Order:  r.Order,
			Status: r.Status,
		})
	}
	return members
}
