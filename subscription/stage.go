/*
stage.go - Subscription stages and machine variants

PURPOSE:
  A user's subscription journey is a walk through a closed set of stages,
  starting at EmailValidation. Some stages are terminal: once reached, the
  journey waits for an external event (support decision, new check, new
  eligibility) before anything can change.

VARIANTS:
  The eligibility tier picks one of three machines:
    age-18          -> EighteenPlus (phone validation included)
    underage        -> Underage     (no phone validation)
    free or none    -> Free         (no phone, identity or honor statement)

SEE ALSO:
  - transitions.go: What moves a user from one stage to the next
  - machine.go: The driver loop
*/
package subscription

import (
	"fmt"

	"github.com/passculture/eac-engine/users"
)

// Stage is one step of the subscription journey.
type Stage int

const (
	EmailValidation Stage = iota
	AdminKoReview
	Beneficiary
	ExBeneficiary
	NotEligible
	PhoneValidation
	FailedPhoneValidation
	ProfileCompletion
	IdentityCheck
	IdentityCheckRetry
	FailedIdentityCheck
	HonorStatement
	WaitingForIdentityCheck
	WaitingForManualReview
	SubscriptionCompletedButNotBeneficiaryYet
)

// Stages lists every stage in declaration order.
var Stages = []Stage{
	EmailValidation,
	AdminKoReview,
	Beneficiary,
	ExBeneficiary,
	NotEligible,
	PhoneValidation,
	FailedPhoneValidation,
	ProfileCompletion,
	IdentityCheck,
	IdentityCheckRetry,
	FailedIdentityCheck,
	HonorStatement,
	WaitingForIdentityCheck,
	WaitingForManualReview,
	SubscriptionCompletedButNotBeneficiaryYet,
}

var stageNames = map[Stage]string{
	EmailValidation:         "email_validation",
	AdminKoReview:           "admin_ko_review",
	Beneficiary:             "beneficiary",
	ExBeneficiary:           "ex_beneficiary",
	NotEligible:             "not_eligible",
	PhoneValidation:         "phone_validation",
	FailedPhoneValidation:   "failed_phone_validation",
	ProfileCompletion:       "profile_completion",
	IdentityCheck:           "identity_check",
	IdentityCheckRetry:      "identity_check_retry",
	FailedIdentityCheck:     "failed_identity_check",
	HonorStatement:          "honor_statement",
	WaitingForIdentityCheck: "waiting_for_identity_check",
	WaitingForManualReview:  "waiting_for_manual_review",
	SubscriptionCompletedButNotBeneficiaryYet: "subscription_completed_but_not_beneficiary_yet",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage returns the stage with the given name.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown subscription stage %q", name)
}

// IsTerminal reports whether no transition leaves s.
func (s Stage) IsTerminal() bool {
	switch s {
	case AdminKoReview,
		Beneficiary,
		ExBeneficiary,
		NotEligible,
		FailedPhoneValidation,
		IdentityCheckRetry,
		FailedIdentityCheck,
		WaitingForIdentityCheck,
		WaitingForManualReview,
		SubscriptionCompletedButNotBeneficiaryYet:
		return true
	}
	return false
}

// =============================================================================
// VARIANTS
// =============================================================================

// Variant is the shape of the machine, fixed by the eligibility tier.
type Variant int

const (
	VariantFree Variant = iota
	VariantUnderage
	VariantEighteenPlus
)

func (v Variant) String() string {
	switch v {
	case VariantFree:
		return "free"
	case VariantUnderage:
		return "underage"
	case VariantEighteenPlus:
		return "eighteen_plus"
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// VariantFor picks the machine variant for a tier.
func VariantFor(tier *users.EligibilityType) Variant {
	if tier == nil {
		return VariantFree
	}
	switch *tier {
	case users.EligibilityAge18:
		return VariantEighteenPlus
	case users.EligibilityUnderage:
		return VariantUnderage
	}
	return VariantFree
}
