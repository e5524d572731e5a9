package subscription

import (
	"context"

	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
)

// Oracle answers eligibility and fraud questions about a user.
// Implementations may perform blocking I/O. fraud.CheckOracle is the
// production implementation.
type Oracle interface {
	HasAdminKoReview(ctx context.Context, user users.User) (bool, error)
	IsEligibleForNextRecreditActivationSteps(ctx context.Context, user users.User) (bool, error)
	HasCompletedProfile(ctx context.Context, user users.User, tier users.EligibilityType) (bool, error)
	PhoneValidationStatus(ctx context.Context, user users.User) (fraud.PhoneStatus, error)
	IdentityCheck(ctx context.Context, user users.User, tier *users.EligibilityType) (*fraud.Check, fraud.IdentityStatus, error)
	CanRetryIdentityCheck(ctx context.Context, check fraud.Check) (bool, error)
	RequiresManualReview(ctx context.Context, user users.User, check fraud.Check) (bool, error)
	HasCompletedHonorStatement(ctx context.Context, user users.User, tier users.EligibilityType) (bool, error)
}

var _ Oracle = (*fraud.CheckOracle)(nil)
