/*
guards.go - Boolean conditions read by transitions

PURPOSE:
  Guards only read. They answer from the user record, from the oracle, or
  from lookups that on-enter hooks loaded into the machine. A guard that
  needs a lookup which was not loaded yet fails with
  PreconditionMissingError instead of loading it itself.

PRECONDITIONS:
  has_completed_profile, has_completed_honor_statement   tier is set
  has_failed_phone_validation, has_validated_phone_number phone status loaded
  identity guards                                          identity check loaded

  Oracle answers are memoized for the lifetime of one machine so a run sees
  one snapshot of the user's history.
*/
package subscription

import (
	"context"
	"fmt"

	"github.com/passculture/eac-engine/fraud"
)

// Guard names a condition used by transitions.
type Guard int

const (
	GuardHasValidatedEmail Guard = iota
	GuardIsEligible
	GuardIsEligibleForNextRecreditActivationSteps
	GuardIsBeneficiary
	GuardHasActiveDeposit
	GuardHasAdminKoReview
	GuardHasCompletedProfile
	GuardHasFailedPhoneValidation
	GuardHasValidatedPhoneNumber
	GuardIsIdentityCheckOK
	GuardIsIdentityCheckPending
	GuardHasFailedIdentityCheck
	GuardCanRetryIdentityCheck
	GuardRequiresManualReview
	GuardHasCompletedHonorStatement

	guardCount
)

var guardNames = [guardCount]string{
	"has_validated_email",
	"is_eligible",
	"is_eligible_for_next_recredit_activation_steps",
	"is_beneficiary",
	"has_active_deposit",
	"has_admin_ko_review",
	"has_completed_profile",
	"has_failed_phone_validation",
	"has_validated_phone_number",
	"is_identity_check_ok",
	"is_identity_check_pending",
	"has_failed_identity_check",
	"can_retry_identity_check",
	"requires_manual_review_before_activation",
	"has_completed_honor_statement",
}

func (g Guard) String() string {
	if g >= 0 && g < guardCount {
		return guardNames[g]
	}
	return fmt.Sprintf("guard(%d)", int(g))
}

// precondition returns an error when g reads a lookup not loaded yet.
func (m *Machine) precondition(g Guard) error {
	missing := ""
	switch g {
	case GuardHasCompletedProfile, GuardHasCompletedHonorStatement:
		if m.tier == nil {
			missing = "eligibility tier"
		}
	case GuardHasFailedPhoneValidation, GuardHasValidatedPhoneNumber:
		if !m.phoneLoaded {
			missing = "phone validation status"
		}
	case GuardIsIdentityCheckOK, GuardIsIdentityCheckPending, GuardHasFailedIdentityCheck,
		GuardCanRetryIdentityCheck, GuardRequiresManualReview:
		if !m.identityLoaded {
			missing = "identity check"
		}
	}
	if missing == "" {
		return nil
	}
	return &PreconditionMissingError{UserID: m.user.ID, Stage: m.stage, Guard: g, Missing: missing}
}

// check runs the precondition then the guard itself.
func (m *Machine) check(ctx context.Context, g Guard) (bool, error) {
	if err := m.precondition(g); err != nil {
		return false, err
	}
	return m.decide(ctx, g)
}

// evaluate is the production guard implementation.
func (m *Machine) evaluate(ctx context.Context, g Guard) (bool, error) {
	switch g {
	case GuardHasValidatedEmail:
		return m.user.IsEmailValidated, nil
	case GuardIsEligible:
		return m.tier != nil, nil
	case GuardIsBeneficiary:
		return m.user.IsBeneficiary(), nil
	case GuardHasActiveDeposit:
		return m.user.HasActiveDeposit(m.now()), nil
	case GuardHasFailedPhoneValidation:
		return m.phoneStatus.IsFailed(), nil
	case GuardHasValidatedPhoneNumber:
		return m.phoneStatus.IsValidated(), nil
	case GuardIsIdentityCheckOK:
		return m.identityStatus == fraud.IdentityOK, nil
	case GuardIsIdentityCheckPending:
		return m.identityStatus == fraud.IdentityPending, nil
	case GuardHasFailedIdentityCheck:
		return m.identityStatus.IsFailed(), nil
	}

	if answer, ok := m.answers[g]; ok {
		return answer, nil
	}
	answer, err := m.ask(ctx, g)
	if err != nil {
		return false, fmt.Errorf("evaluate %s for user %d: %w", g, m.user.ID, err)
	}
	m.answers[g] = answer
	return answer, nil
}

// ask delegates the guards that need the oracle.
func (m *Machine) ask(ctx context.Context, g Guard) (bool, error) {
	switch g {
	case GuardIsEligibleForNextRecreditActivationSteps:
		return m.oracle.IsEligibleForNextRecreditActivationSteps(ctx, m.user)
	case GuardHasAdminKoReview:
		return m.oracle.HasAdminKoReview(ctx, m.user)
	case GuardHasCompletedProfile:
		return m.oracle.HasCompletedProfile(ctx, m.user, *m.tier)
	case GuardHasCompletedHonorStatement:
		return m.oracle.HasCompletedHonorStatement(ctx, m.user, *m.tier)
	case GuardCanRetryIdentityCheck:
		if m.identityCheck == nil {
			return false, nil
		}
		return m.oracle.CanRetryIdentityCheck(ctx, *m.identityCheck)
	case GuardRequiresManualReview:
		if m.identityCheck == nil {
			return false, nil
		}
		return m.oracle.RequiresManualReview(ctx, m.user, *m.identityCheck)
	}
	return false, fmt.Errorf("no evaluation for guard %s", g)
}
