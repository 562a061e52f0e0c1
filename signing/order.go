package signing

import (
	"errors"
	"sort"

	"signflow/envelope"
)

// ErrNoSigners signals an envelope with zero SIGNER recipients. Preparation
// rejects those, so hitting this is a data-integrity problem.
var ErrNoSigners = errors.New("signing: envelope has no signers")

// ReasonWaitingForOthers is the user-facing reason attached to a signer who
// is blocked by lower-order groups.
const ReasonWaitingForOthers = "waiting for other signers to complete first"

// Eligible decides whether the target signer may act right now, given a fresh
// read of every SIGNER recipient and the envelope's mode. Pure function: no
// side effects, safe to call repeatedly and concurrently.
//
// PARALLEL envelopes are always eligible. SEQUENTIAL and MIXED envelopes
// require every signer with a strictly lower order to be SIGNED; signers
// sharing the target's order are mutually parallel.
func Eligible(target envelope.Recipient, signers []envelope.Recipient, mode envelope.Mode) (bool, string) {
	if mode == envelope.ModeParallel {
		return true, ""
	}

	for _, s := range signers {
		if s.ID == target.ID {
			continue
		}
		if s.Order < target.Order && s.Status != envelope.RecipientSigned {
			return false, ReasonWaitingForOthers
		}
	}
	return true, ""
}

// Advancement describes the envelope's progression after a signer finished.
type Advancement struct {
	// EnvelopeComplete is true when every SIGNER recipient is SIGNED.
	EnvelopeComplete bool
	// NextEligible lists the emails of signers who became unblocked by this
	// signature. Empty for PARALLEL envelopes, where nobody ever waits.
	NextEligible []string
}

// Advance recomputes completion and newly-unblocked signers from the
// post-write snapshot. justSigned must be a member of signers.
func Advance(justSigned envelope.Recipient, signers []envelope.Recipient, mode envelope.Mode) (Advancement, error) {
	if len(signers) == 0 {
		return Advancement{}, ErrNoSigners
	}

	var adv Advancement
	adv.EnvelopeComplete = true
	for _, s := range signers {
		if s.Status != envelope.RecipientSigned {
			adv.EnvelopeComplete = false
			break
		}
	}
	if adv.EnvelopeComplete || mode == envelope.ModeParallel {
		return adv, nil
	}

	// Eligibility only moves when the just-signed group has fully cleared.
	for _, s := range signers {
		if s.Order == justSigned.Order && s.Status != envelope.RecipientSigned {
			return adv, nil
		}
	}

	groups := groupByOrder(signers)
	for _, g := range groups {
		if groupSigned(g.members) {
			continue
		}
		for _, m := range g.members {
			if !m.Status.Terminal() {
				adv.NextEligible = append(adv.NextEligible, m.Email)
			}
		}
		break
	}
	return adv, nil
}

type orderGroup struct {
	order   int
	members []envelope.Recipient
}

func groupByOrder(signers []envelope.Recipient) []orderGroup {
	byOrder := make(map[int][]envelope.Recipient)
	orders := make([]int, 0, 4)
	for _, s := range signers {
		if _, seen := byOrder[s.Order]; !seen {
			orders = append(orders, s.Order)
		}
		byOrder[s.Order] = append(byOrder[s.Order], s)
	}
	sort.Ints(orders)

	groups := make([]orderGroup, 0, len(orders))
	for _, o := range orders {
		groups = append(groups, orderGroup{order: o, members: byOrder[o]})
	}
	return groups
}

func groupSigned(members []envelope.Recipient) bool {
	for _, m := range members {
		if m.Status != envelope.RecipientSigned {
			return false
		}
	}
	return true
}
