/*
oracle.go - Eligibility and identity answers derived from fraud history

PURPOSE:
  CheckOracle answers the questions the subscription journey asks about a
  user: did support reject them, did they complete their profile, where is
  their phone validation, which identity check matters and can it be
  retried, did they sign the honor statement.

RELEVANT IDENTITY CHECK:
  Among the identity checks made for the tier, newest first, the first one
  found in this status order wins:

    OK > PENDING > STARTED > SUSPICIOUS > KO

  Canceled checks never count.

RETRIES:
  - EDUCONNECT can always be retried.
  - UBBLE can be retried when every reason code is restartable and the user
    made fewer than MaxUbbleRetries finished attempts for the tier.
  - Other providers cannot.

SEE ALSO:
  - check.go: Check and Review models
  - subscription/oracle.go: The consumer-side interface this satisfies
*/
package fraud

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/passculture/eac-engine/users"
)

// DefaultMaxUbbleRetries bounds the number of finished Ubble attempts per tier.
const DefaultMaxUbbleRetries = 3

// =============================================================================
// DERIVED STATUSES
// =============================================================================

// PhoneStatus is the state of the phone validation step.
type PhoneStatus string

const (
	PhoneValidated     PhoneStatus = "validated"
	PhoneSkipped       PhoneStatus = "skipped"
	PhoneNotEnabled    PhoneStatus = "not-enabled"
	PhoneFailed        PhoneStatus = "failed"
	PhoneTodo          PhoneStatus = "todo"
	PhoneNotApplicable PhoneStatus = "not-applicable"
)

// IsValidated reports whether the step no longer blocks the user.
func (s PhoneStatus) IsValidated() bool {
	return s == PhoneValidated || s == PhoneSkipped || s == PhoneNotEnabled
}

// IsFailed reports whether the user failed the step.
func (s PhoneStatus) IsFailed() bool {
	return s == PhoneFailed
}

// IdentityStatus is the state of the identity check step.
type IdentityStatus string

const (
	IdentityOK         IdentityStatus = "ok"
	IdentityKO         IdentityStatus = "ko"
	IdentitySuspicious IdentityStatus = "suspicious"
	IdentityPending    IdentityStatus = "pending"
	IdentityTodo       IdentityStatus = "todo"
	IdentityVoid       IdentityStatus = "void"
)

// IsFailed reports whether the identity check was rejected.
func (s IdentityStatus) IsFailed() bool {
	return s == IdentityKO || s == IdentitySuspicious
}

// =============================================================================
// ORACLE
// =============================================================================

// CheckOracle implements the subscription oracle on top of a Repository.
type CheckOracle struct {
	repo                   Repository
	phoneValidationEnabled bool
	maxUbbleRetries        int
}

// OracleOption configures a CheckOracle.
type OracleOption func(*CheckOracle)

// WithPhoneValidation toggles the phone validation step.
func WithPhoneValidation(enabled bool) OracleOption {
	return func(o *CheckOracle) { o.phoneValidationEnabled = enabled }
}

// WithMaxUbbleRetries overrides DefaultMaxUbbleRetries.
func WithMaxUbbleRetries(n int) OracleOption {
	return func(o *CheckOracle) { o.maxUbbleRetries = n }
}

// NewCheckOracle creates an oracle reading from repo.
func NewCheckOracle(repo Repository, opts ...OracleOption) *CheckOracle {
	o := &CheckOracle{
		repo:                   repo,
		phoneValidationEnabled: true,
		maxUbbleRetries:        DefaultMaxUbbleRetries,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HasAdminKoReview reports whether the latest admin review rejected the user.
func (o *CheckOracle) HasAdminKoReview(ctx context.Context, user users.User) (bool, error) {
	reviews, err := o.repo.ListReviews(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("list reviews for user %d: %w", user.ID, err)
	}
	if len(reviews) == 0 {
		return false, nil
	}
	latest := slices.MaxFunc(reviews, func(a, b Review) int {
		return a.DateReviewed.Compare(b.DateReviewed)
	})
	return latest.Result == ReviewKO, nil
}

// IsEligibleForNextRecreditActivationSteps reports whether a former underage
// beneficiary turned 18 and must go through the activation steps again.
func (o *CheckOracle) IsEligibleForNextRecreditActivationSteps(_ context.Context, user users.User) (bool, error) {
	return user.EligibilityTier() == users.EligibilityAge18 &&
		user.HasRole(users.RoleUnderageBeneficiary) &&
		!user.HasRole(users.RoleBeneficiary), nil
}

// HasCompletedProfile reports whether the profile step is done for the tier.
// A filled DMS application counts as a completed profile.
func (o *CheckOracle) HasCompletedProfile(ctx context.Context, user users.User, tier users.EligibilityType) (bool, error) {
	checks, err := o.repo.ListChecks(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("list checks for user %d: %w", user.ID, err)
	}
	for _, c := range checks {
		if !c.AppliesTo(tier) {
			continue
		}
		if c.Type == CheckProfileCompletion && c.Status == StatusOK {
			return true, nil
		}
		if c.Type == CheckDMS && (c.Status == StatusPending || c.Status == StatusStarted) {
			return true, nil
		}
	}
	return false, nil
}

// PhoneValidationStatus returns the state of the phone validation step.
func (o *CheckOracle) PhoneValidationStatus(ctx context.Context, user users.User) (PhoneStatus, error) {
	switch {
	case user.EligibilityTier() != users.EligibilityAge18:
		return PhoneNotApplicable, nil
	case user.IsPhoneValidated:
		return PhoneValidated, nil
	case user.PhoneValidationSkipped:
		return PhoneSkipped, nil
	case !o.phoneValidationEnabled:
		return PhoneNotEnabled, nil
	}

	checks, err := o.repo.ListChecks(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("list checks for user %d: %w", user.ID, err)
	}
	for _, c := range checks {
		if c.Type == CheckPhoneValidation && c.Status == StatusKO {
			return PhoneFailed, nil
		}
	}
	return PhoneTodo, nil
}

var relevantStatusOrder = []CheckStatus{StatusOK, StatusPending, StatusStarted, StatusSuspicious, StatusKO}

// IdentityCheck returns the relevant identity check for the tier, if any,
// and its derived status.
func (o *CheckOracle) IdentityCheck(ctx context.Context, user users.User, tier *users.EligibilityType) (*Check, IdentityStatus, error) {
	if tier == nil {
		return nil, IdentityVoid, nil
	}

	checks, err := o.repo.ListChecks(ctx, user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("list checks for user %d: %w", user.ID, err)
	}

	var identity []Check
	for _, c := range checks {
		if c.Type.IsIdentityCheck() && c.AppliesTo(*tier) {
			identity = append(identity, c)
		}
	}
	sort.SliceStable(identity, func(i, j int) bool {
		return identity[i].DateCreated.After(identity[j].DateCreated)
	})

	for _, status := range relevantStatusOrder {
		for i := range identity {
			if identity[i].Status == status {
				check := identity[i]
				return &check, identityStatus(check), nil
			}
		}
	}
	return nil, IdentityTodo, nil
}

func identityStatus(c Check) IdentityStatus {
	switch c.Status {
	case StatusOK:
		return IdentityOK
	case StatusKO:
		return IdentityKO
	case StatusSuspicious:
		return IdentitySuspicious
	case StatusPending:
		return IdentityPending
	case StatusStarted:
		// A started DMS application is already in the support team's hands.
		if c.Type == CheckDMS {
			return IdentityPending
		}
		return IdentityTodo
	}
	return IdentityVoid
}

// CanRetryIdentityCheck reports whether the user may start a new identity
// check after check failed.
func (o *CheckOracle) CanRetryIdentityCheck(ctx context.Context, check Check) (bool, error) {
	switch check.Type {
	case CheckEduconnect:
		return true, nil
	case CheckUbble:
		if len(check.ReasonCodes) == 0 {
			return false, nil
		}
		for _, code := range check.ReasonCodes {
			if !slices.Contains(RestartableReasonCodes, code) {
				return false, nil
			}
		}

		checks, err := o.repo.ListChecks(ctx, check.UserID)
		if err != nil {
			return false, fmt.Errorf("list checks for user %d: %w", check.UserID, err)
		}
		attempts := 0
		for _, c := range checks {
			if c.Type != CheckUbble || !sameEligibility(c.Eligibility, check.Eligibility) {
				continue
			}
			if c.Status == StatusCanceled || c.Status == StatusStarted {
				continue
			}
			attempts++
		}
		return attempts < o.maxUbbleRetries, nil
	}
	return false, nil
}

// RequiresManualReview reports whether a successful DMS check was made
// while the user was not eligible, which support has to look at.
func (o *CheckOracle) RequiresManualReview(_ context.Context, user users.User, check Check) (bool, error) {
	if check.Type != CheckDMS || check.Status != StatusOK {
		return false, nil
	}
	return users.EligibilityAt(user.BirthDate, check.ReferenceDate()) == nil, nil
}

// HasCompletedHonorStatement reports whether the honor statement was signed
// for the tier.
func (o *CheckOracle) HasCompletedHonorStatement(ctx context.Context, user users.User, tier users.EligibilityType) (bool, error) {
	checks, err := o.repo.ListChecks(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("list checks for user %d: %w", user.ID, err)
	}
	for _, c := range checks {
		if c.Type == CheckHonorStatement && c.Status == StatusOK && c.AppliesTo(tier) {
			return true, nil
		}
	}
	return false, nil
}

func sameEligibility(a, b *users.EligibilityType) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

