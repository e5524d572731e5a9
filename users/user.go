/*
user.go - Young users going through the pass subscription journey

PURPOSE:
  Holds the slice of the user record that the subscription journey reads:
  email validation, roles, birth date, phone flags, deposit expiration
  and the eligibility tier computed elsewhere.

ELIGIBILITY:
  Eligibility is nullable. A nil tier means the user cannot currently
  claim any credit. Tiers by age:
    15, 16, 17  -> underage
    18          -> age-18
  The "free" tier covers users eligible to the free offer only.

SEE ALSO:
  - subscription/machine.go: Consumes User to pick a machine variant
  - fraud/oracle.go: Answers questions that need fraud check history
*/
package users

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrUserNotFound is returned by repositories when the id is unknown.
var ErrUserNotFound = errors.New("user not found")

// ID identifies a user.
type ID int64

// =============================================================================
// ELIGIBILITY
// =============================================================================

// EligibilityType is the credit tier a user may claim.
type EligibilityType string

const (
	EligibilityFree     EligibilityType = "free"
	EligibilityUnderage EligibilityType = "underage"
	EligibilityAge18    EligibilityType = "age-18"
)

// Valid reports whether t is one of the known tiers.
func (t EligibilityType) Valid() bool {
	switch t {
	case EligibilityFree, EligibilityUnderage, EligibilityAge18:
		return true
	}
	return false
}

// Eligibility returns a pointer to t, handy for building fixtures.
func Eligibility(t EligibilityType) *EligibilityType {
	return &t
}

var underageAges = []int{15, 16, 17}

const age18 = 18

// AgeAt returns the age in whole years reached at the given date.
func AgeAt(birthDate, at time.Time) int {
	age := at.Year() - birthDate.Year()
	// Compare month/day rather than YearDay, which shifts on leap years.
	if at.Month() < birthDate.Month() || (at.Month() == birthDate.Month() && at.Day() < birthDate.Day()) {
		age--
	}
	return age
}

// EligibilityAt returns the tier a person born on birthDate had at the
// given date, or nil if none.
func EligibilityAt(birthDate *time.Time, at time.Time) *EligibilityType {
	if birthDate == nil {
		return nil
	}
	age := AgeAt(*birthDate, at)
	switch {
	case slices.Contains(underageAges, age):
		return Eligibility(EligibilityUnderage)
	case age == age18:
		return Eligibility(EligibilityAge18)
	}
	return nil
}

// =============================================================================
// USER
// =============================================================================

// Role is a capability granted to a user account.
type Role string

const (
	RoleBeneficiary         Role = "BENEFICIARY"
	RoleUnderageBeneficiary Role = "UNDERAGE_BENEFICIARY"
	RoleAdmin               Role = "ADMIN"
)

// User is the read model of a young user.
type User struct {
	ID                     ID
	Email                  string
	IsEmailValidated       bool
	BirthDate              *time.Time
	Roles                  []Role
	IsPhoneValidated       bool
	PhoneValidationSkipped bool
	DepositExpirationDate  *time.Time
	Eligibility            *EligibilityType
}

// HasRole reports whether the user holds role r.
func (u User) HasRole(r Role) bool {
	return slices.Contains(u.Roles, r)
}

// IsBeneficiary reports whether the user was ever granted a credit.
func (u User) IsBeneficiary() bool {
	return u.HasRole(RoleBeneficiary) || u.HasRole(RoleUnderageBeneficiary)
}

// HasActiveDeposit reports whether the user's credit has not expired yet.
func (u User) HasActiveDeposit(now time.Time) bool {
	return u.DepositExpirationDate != nil && u.DepositExpirationDate.After(now)
}

// EligibilityTier returns the tier or "" when the user has none.
func (u User) EligibilityTier() EligibilityType {
	if u.Eligibility == nil {
		return ""
	}
	return *u.Eligibility
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository loads users.
type Repository interface {
	GetUser(ctx context.Context, id ID) (*User, error)
}
