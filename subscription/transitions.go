/*
transitions.go - Ordered transition tables per variant

PURPOSE:
  A transition fires when every guard in When holds and no guard in
  Unless holds. Rows are tried in order for the current stage and the first
  one that fires wins, so order is part of the table's meaning: the
  IdentityCheck -> HonorStatement rows, for example, are only reached once
  the failure rows were ruled out.

  The three variants share the EmailValidation rows and differ by which
  downstream steps exist.

  EmailValidation ──► Beneficiary | ExBeneficiary | NotEligible | AdminKoReview
        │
        ├─(18+)──► PhoneValidation ──► FailedPhoneValidation
        │                   └─────────► ProfileCompletion
        └─(other)─────────────────────► ProfileCompletion
                                            │
        (free) SubscriptionCompleted ◄──────┤
                                            ▼
                              IdentityCheck ──► FailedIdentityCheck | IdentityCheckRetry
                                    └──► HonorStatement ──► WaitingForIdentityCheck
                                                       ├──► WaitingForManualReview
                                                       └──► SubscriptionCompleted
*/
package subscription

import "context"

type onEnter func(ctx context.Context, m *Machine) error

type transition struct {
	From    Stage
	To      Stage
	When    []Guard
	Unless  []Guard
	OnEnter onEnter
}

func when(g ...Guard) []Guard { return g }
func unless(g ...Guard) []Guard { return g }

// tableFor builds the ordered transitions of a variant.
func tableFor(v Variant) []transition {
	rows := []transition{
		{
			From:   EmailValidation,
			To:     Beneficiary,
			When:   when(GuardHasValidatedEmail, GuardIsBeneficiary, GuardHasActiveDeposit),
			Unless: unless(GuardIsEligibleForNextRecreditActivationSteps),
		},
		{
			From:   EmailValidation,
			To:     ExBeneficiary,
			When:   when(GuardHasValidatedEmail, GuardIsBeneficiary),
			Unless: unless(GuardHasActiveDeposit, GuardIsEligibleForNextRecreditActivationSteps),
		},
		{
			From:   EmailValidation,
			To:     NotEligible,
			When:   when(GuardHasValidatedEmail),
			Unless: unless(GuardIsEligible),
		},
		{
			From: EmailValidation,
			To:   AdminKoReview,
			When: when(GuardHasValidatedEmail, GuardHasAdminKoReview),
		},
	}

	if v == VariantEighteenPlus {
		rows = append(rows,
			transition{
				From:    EmailValidation,
				To:      PhoneValidation,
				When:    when(GuardHasValidatedEmail, GuardIsEligible),
				OnEnter: loadPhoneStatus,
			},
			transition{From: PhoneValidation, To: FailedPhoneValidation, When: when(GuardHasFailedPhoneValidation)},
			transition{From: PhoneValidation, To: ProfileCompletion, When: when(GuardHasValidatedPhoneNumber)},
		)
	} else {
		rows = append(rows, transition{
			From: EmailValidation,
			To:   ProfileCompletion,
			When: when(GuardHasValidatedEmail, GuardIsEligible),
		})
	}

	if v == VariantFree {
		return append(rows, transition{
			From: ProfileCompletion,
			To:   SubscriptionCompletedButNotBeneficiaryYet,
			When: when(GuardHasCompletedProfile),
		})
	}

	rows = append(rows,
		transition{
			From:    ProfileCompletion,
			To:      IdentityCheck,
			When:    when(GuardHasCompletedProfile),
			OnEnter: loadIdentityCheck,
		},
		transition{
			From:   IdentityCheck,
			To:     FailedIdentityCheck,
			When:   when(GuardHasFailedIdentityCheck),
			Unless: unless(GuardCanRetryIdentityCheck),
		},
		transition{
			From: IdentityCheck,
			To:   IdentityCheckRetry,
			When: when(GuardHasFailedIdentityCheck, GuardCanRetryIdentityCheck),
		},
		transition{From: IdentityCheck, To: HonorStatement, When: when(GuardIsIdentityCheckOK)},
		transition{From: IdentityCheck, To: HonorStatement, When: when(GuardIsIdentityCheckPending)},
		transition{
			From: HonorStatement,
			To:   WaitingForIdentityCheck,
			When: when(GuardHasCompletedHonorStatement, GuardIsIdentityCheckPending),
		},
		transition{
			From: HonorStatement,
			To:   WaitingForManualReview,
			When: when(GuardHasCompletedHonorStatement, GuardIsIdentityCheckOK, GuardRequiresManualReview),
		},
	)

	completed := transition{
		From: HonorStatement,
		To:   SubscriptionCompletedButNotBeneficiaryYet,
		When: when(GuardHasCompletedHonorStatement, GuardIsIdentityCheckOK),
	}
	if v == VariantEighteenPlus {
		completed.Unless = unless(GuardRequiresManualReview)
	}
	return append(rows, completed)
}

// =============================================================================
// ON-ENTER HOOKS
// =============================================================================

func loadPhoneStatus(ctx context.Context, m *Machine) error {
	if m.phoneLoaded {
		return nil
	}
	status, err := m.oracle.PhoneValidationStatus(ctx, m.user)
	if err != nil {
		return err
	}
	m.phoneStatus = status
	m.phoneLoaded = true
	return nil
}

func loadIdentityCheck(ctx context.Context, m *Machine) error {
	if m.identityLoaded {
		return nil
	}
	check, status, err := m.oracle.IdentityCheck(ctx, m.user, m.tier)
	if err != nil {
		return err
	}
	m.identityCheck = check
	m.identityStatus = status
	m.identityLoaded = true
	return nil
}
