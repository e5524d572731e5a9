/*
check.go - Fraud checks and admin reviews

PURPOSE:
  A fraud check is one attempt at one subscription step recorded by an
  identity provider or by the platform itself (phone validation, profile
  completion, honor statement). Admin reviews are manual decisions made
  by the support team on top of those checks.

  Checks are append-only history: a user may have many checks of the same
  type, the oracle picks the relevant one.

SEE ALSO:
  - oracle.go: Turns the history into answers for the subscription journey
*/
package fraud

import (
	"context"
	"slices"
	"time"

	"github.com/passculture/eac-engine/users"
)

// CheckType is the step or provider a check belongs to.
type CheckType string

const (
	CheckDMS               CheckType = "DMS"
	CheckUbble             CheckType = "UBBLE"
	CheckEduconnect        CheckType = "EDUCONNECT"
	CheckJouve             CheckType = "JOUVE"
	CheckPhoneValidation   CheckType = "PHONE_VALIDATION"
	CheckProfileCompletion CheckType = "PROFILE_COMPLETION"
	CheckHonorStatement    CheckType = "HONOR_STATEMENT"
	CheckUserProfiling     CheckType = "USER_PROFILING"
)

// IdentityCheckTypes are the providers that can prove a user's identity.
var IdentityCheckTypes = []CheckType{CheckDMS, CheckUbble, CheckEduconnect, CheckJouve}

// IsIdentityCheck reports whether t is an identity provider.
func (t CheckType) IsIdentityCheck() bool {
	return slices.Contains(IdentityCheckTypes, t)
}

// CheckStatus is the outcome of a check.
type CheckStatus string

const (
	StatusOK         CheckStatus = "OK"
	StatusKO         CheckStatus = "KO"
	StatusPending    CheckStatus = "PENDING"
	StatusStarted    CheckStatus = "STARTED"
	StatusSuspicious CheckStatus = "SUSPICIOUS"
	StatusCanceled   CheckStatus = "CANCELED"
)

// ReasonCode explains a non-OK outcome.
type ReasonCode string

const (
	ReasonIDCheckUnprocessable ReasonCode = "ID_CHECK_UNPROCESSABLE"
	ReasonIDCheckNotSupported  ReasonCode = "ID_CHECK_NOT_SUPPORTED"
	ReasonIDCheckExpired       ReasonCode = "ID_CHECK_EXPIRED"
	ReasonIDCheckNotAuthentic  ReasonCode = "ID_CHECK_NOT_AUTHENTIC"
	ReasonIDCheckDataMatch     ReasonCode = "ID_CHECK_DATA_MATCH"
	ReasonDuplicateUser        ReasonCode = "DUPLICATE_USER"
	ReasonNotEligible          ReasonCode = "NOT_ELIGIBLE"
	ReasonAgeTooYoung          ReasonCode = "AGE_TOO_YOUNG"
	ReasonAgeTooOld            ReasonCode = "AGE_TOO_OLD"
	ReasonBlacklistedPhone     ReasonCode = "BLACKLISTED_PHONE_NUMBER"
)

// RestartableReasonCodes are the Ubble outcomes a user can fix by trying again
// (blurry picture, unsupported or expired document).
var RestartableReasonCodes = []ReasonCode{
	ReasonIDCheckUnprocessable,
	ReasonIDCheckNotSupported,
	ReasonIDCheckExpired,
	ReasonIDCheckNotAuthentic,
}

// Check is one recorded fraud check.
type Check struct {
	ID               int64
	UserID           users.ID
	Type             CheckType
	Status           CheckStatus
	Eligibility      *users.EligibilityType
	ReasonCodes      []ReasonCode
	DateCreated      time.Time
	RegistrationDate *time.Time // date the user filed the application, when known
}

// AppliesTo reports whether the check was made for the given tier.
func (c Check) AppliesTo(tier users.EligibilityType) bool {
	return c.Eligibility != nil && *c.Eligibility == tier
}

// ReferenceDate is the earliest of creation and registration dates.
// Eligibility at this date decides whether the check is still valid.
func (c Check) ReferenceDate() time.Time {
	if c.RegistrationDate != nil && c.RegistrationDate.Before(c.DateCreated) {
		return *c.RegistrationDate
	}
	return c.DateCreated
}

// =============================================================================
// ADMIN REVIEWS
// =============================================================================

// ReviewResult is the decision recorded by support.
type ReviewResult string

const (
	ReviewOK              ReviewResult = "OK"
	ReviewKO              ReviewResult = "KO"
	ReviewRedirectedToDMS ReviewResult = "REDIRECTED_TO_DMS"
)

// Review is a manual decision taken by an admin on a user's file.
type Review struct {
	ID           int64
	UserID       users.ID
	AuthorID     users.ID
	Result       ReviewResult
	Reason       string
	DateReviewed time.Time
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository reads the fraud history of a user.
type Repository interface {
	ListChecks(ctx context.Context, userID users.ID) ([]Check, error)
	ListReviews(ctx context.Context, userID users.ID) ([]Review, error)
}
