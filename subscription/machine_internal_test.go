package subscription

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopOracle answers every lookup with a zero value. Guards are driven by
// the truth assignment under test instead.
type nopOracle struct{}

func (nopOracle) HasAdminKoReview(context.Context, users.User) (bool, error) { return false, nil }
func (nopOracle) IsEligibleForNextRecreditActivationSteps(context.Context, users.User) (bool, error) {
	return false, nil
}
func (nopOracle) HasCompletedProfile(context.Context, users.User, users.EligibilityType) (bool, error) {
	return false, nil
}
func (nopOracle) PhoneValidationStatus(context.Context, users.User) (fraud.PhoneStatus, error) {
	return fraud.PhoneTodo, nil
}
func (nopOracle) IdentityCheck(context.Context, users.User, *users.EligibilityType) (*fraud.Check, fraud.IdentityStatus, error) {
	return nil, fraud.IdentityTodo, nil
}
func (nopOracle) CanRetryIdentityCheck(context.Context, fraud.Check) (bool, error) { return false, nil }
func (nopOracle) RequiresManualReview(context.Context, users.User, fraud.Check) (bool, error) {
	return false, nil
}
func (nopOracle) HasCompletedHonorStatement(context.Context, users.User, users.EligibilityType) (bool, error) {
	return false, nil
}

var (
	freeOnlyStages = []Stage{
		EmailValidation, Beneficiary, ExBeneficiary, NotEligible, AdminKoReview,
		ProfileCompletion, SubscriptionCompletedButNotBeneficiaryYet,
	}
	phoneStages = []Stage{PhoneValidation, FailedPhoneValidation}
)

func machineUsers() map[string]users.User {
	return map[string]users.User{
		"no tier":  {ID: 1},
		"free":     {ID: 2, Eligibility: users.Eligibility(users.EligibilityFree)},
		"underage": {ID: 3, Eligibility: users.Eligibility(users.EligibilityUnderage)},
		"age-18":   {ID: 4, Eligibility: users.Eligibility(users.EligibilityAge18)},
	}
}

// TestMachine_EveryGuardAssignment walks every variant through every truth
// assignment of the guards. is_eligible keeps its real value since it is a
// property of the tier that picked the variant.
func TestMachine_EveryGuardAssignment(t *testing.T) {
	ctx := context.Background()

	for name, user := range machineUsers() {
		t.Run(name, func(t *testing.T) {
			for mask := 0; mask < 1<<guardCount; mask++ {
				m := New(user, nopOracle{})
				m.decide = func(_ context.Context, g Guard) (bool, error) {
					if g == GuardIsEligible {
						return m.tier != nil, nil
					}
					return mask&(1<<g) != 0, nil
				}

				stage, err := m.ProceedToCurrentState(ctx)
				if err != nil {
					t.Fatalf("mask %b: unexpected error: %v", mask, err)
				}

				// Terminates within the stage bound and is stable.
				if m.steps > len(Stages) {
					t.Fatalf("mask %b: %d steps exceeds %d stages", mask, m.steps, len(Stages))
				}
				fired, err := m.step(ctx)
				if err != nil || fired {
					t.Fatalf("mask %b: stage %s not stable (fired=%v err=%v)", mask, stage, fired, err)
				}

				// Terminal stages are idempotent.
				if stage.IsTerminal() {
					before := len(m.visited)
					again, err := m.ProceedToCurrentState(ctx)
					if err != nil || again != stage || len(m.visited) != before {
						t.Fatalf("mask %b: terminal stage %s moved to %s", mask, stage, again)
					}
				}

				switch m.Variant() {
				case VariantFree:
					for _, s := range m.visited {
						if !slices.Contains(freeOnlyStages, s) {
							t.Fatalf("mask %b: free run visited %s", mask, s)
						}
					}
				case VariantUnderage:
					for _, s := range m.visited {
						if slices.Contains(phoneStages, s) {
							t.Fatalf("mask %b: underage run visited %s", mask, s)
						}
					}
				}
			}
		})
	}
}

func TestMachine_VariantSelection(t *testing.T) {
	us := machineUsers()
	assert.Equal(t, VariantFree, New(us["no tier"], nopOracle{}).Variant())
	assert.Equal(t, VariantFree, New(us["free"], nopOracle{}).Variant())
	assert.Equal(t, VariantUnderage, New(us["underage"], nopOracle{}).Variant())
	assert.Equal(t, VariantEighteenPlus, New(us["age-18"], nopOracle{}).Variant())
}

func TestMachine_GuardBeforeLookupIsPreconditionMissing(t *testing.T) {
	// GIVEN: A machine that never entered IdentityCheck
	m := New(users.User{ID: 42, Eligibility: users.Eligibility(users.EligibilityAge18)}, nopOracle{})

	// WHEN: An identity guard is evaluated
	_, err := m.check(context.Background(), GuardIsIdentityCheckOK)

	// THEN: The error names the user, the stage and the guard
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPreconditionMissing))
	var pre *PreconditionMissingError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, users.ID(42), pre.UserID)
	assert.Equal(t, EmailValidation, pre.Stage)
	assert.Equal(t, GuardIsIdentityCheckOK, pre.Guard)
	assert.Contains(t, err.Error(), "is_identity_check_ok")

	_, err = m.check(context.Background(), GuardHasValidatedPhoneNumber)
	assert.ErrorIs(t, err, ErrPreconditionMissing)

	noTier := New(users.User{ID: 7}, nopOracle{})
	_, err = noTier.check(context.Background(), GuardHasCompletedProfile)
	assert.ErrorIs(t, err, ErrPreconditionMissing)
}

func TestTables_NoRowLeavesATerminalStage(t *testing.T) {
	for _, v := range []Variant{VariantFree, VariantUnderage, VariantEighteenPlus} {
		for _, row := range tableFor(v) {
			assert.False(t, row.From.IsTerminal(), "%s: row %s -> %s", v, row.From, row.To)
		}
	}
}

func TestStage_Names(t *testing.T) {
	for _, s := range Stages {
		parsed, err := ParseStage(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseStage("nope")
	assert.Error(t, err)
}
