/*
machine.go - Drives a user to their current subscription stage

PURPOSE:
  A Machine is built for one user and one evaluation. It starts at
  EmailValidation and fires transitions until it reaches a terminal stage
  or nothing fires. Nothing is persisted: the stage is recomputed from the
  user's record and fraud history every time.

INVARIANTS:
  - The tier, and therefore the variant, is fixed at construction.
  - Stages form a DAG, so the driver needs at most len(Stages) steps.
  - Each on-enter lookup hits the oracle at most once per machine.
  - Calling ProceedToCurrentState again at a terminal stage is a no-op.

USAGE:
  m := subscription.New(user, oracle)
  stage, err := m.ProceedToCurrentState(ctx)

SEE ALSO:
  - transitions.go: Tables per variant
  - guards.go: Guard evaluation and preconditions
  - service.go: Loads the user and records the result
*/
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/users"
)

// Machine computes the subscription stage of one user.
type Machine struct {
	user    users.User
	tier    *users.EligibilityType
	variant Variant
	oracle  Oracle
	now     func() time.Time

	table   map[Stage][]transition
	stage   Stage
	visited []Stage
	steps   int

	answers map[Guard]bool

	phoneLoaded bool
	phoneStatus fraud.PhoneStatus

	identityLoaded bool
	identityCheck  *fraud.Check
	identityStatus fraud.IdentityStatus

	// decide evaluates a guard once its precondition holds.
	decide func(ctx context.Context, g Guard) (bool, error)
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides time.Now, used by has_active_deposit.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New builds the machine matching the user's eligibility tier.
func New(user users.User, oracle Oracle, opts ...Option) *Machine {
	var tier *users.EligibilityType
	if user.Eligibility != nil {
		t := *user.Eligibility
		tier = &t
	}

	m := &Machine{
		user:    user,
		tier:    tier,
		variant: VariantFor(tier),
		oracle:  oracle,
		now:     time.Now,
		stage:   EmailValidation,
		visited: []Stage{EmailValidation},
		answers: make(map[Guard]bool),
	}
	m.decide = m.evaluate
	for _, opt := range opts {
		opt(m)
	}

	m.table = make(map[Stage][]transition)
	for _, t := range tableFor(m.variant) {
		m.table[t.From] = append(m.table[t.From], t)
	}
	return m
}

// Stage returns the current stage.
func (m *Machine) Stage() Stage { return m.stage }

// Variant returns the variant picked at construction.
func (m *Machine) Variant() Variant { return m.variant }

// Visited returns the stages entered so far, starting with EmailValidation.
func (m *Machine) Visited() []Stage {
	out := make([]Stage, len(m.visited))
	copy(out, m.visited)
	return out
}

// IdentityCheck returns the identity check loaded during the run, if any.
func (m *Machine) IdentityCheck() (*fraud.Check, fraud.IdentityStatus, bool) {
	return m.identityCheck, m.identityStatus, m.identityLoaded
}

// ProceedToCurrentState fires transitions until the stage is terminal or
// stable and returns it.
func (m *Machine) ProceedToCurrentState(ctx context.Context) (Stage, error) {
	for i := 0; i < len(Stages) && !m.stage.IsTerminal(); i++ {
		fired, err := m.step(ctx)
		if err != nil {
			return m.stage, err
		}
		if !fired {
			break
		}
	}
	return m.stage, nil
}

// step fires the first transition allowed from the current stage.
func (m *Machine) step(ctx context.Context) (bool, error) {
	for _, t := range m.table[m.stage] {
		ok, err := m.allows(ctx, t)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		if t.OnEnter != nil {
			if err := t.OnEnter(ctx, m); err != nil {
				return false, fmt.Errorf("enter %s for user %d: %w", t.To, m.user.ID, err)
			}
		}
		m.stage = t.To
		m.visited = append(m.visited, t.To)
		m.steps++
		return true, nil
	}
	return false, nil
}

func (m *Machine) allows(ctx context.Context, t transition) (bool, error) {
	for _, g := range t.When {
		ok, err := m.check(ctx, g)
		if err != nil || !ok {
			return false, err
		}
	}
	for _, g := range t.Unless {
		blocked, err := m.check(ctx, g)
		if err != nil || blocked {
			return false, err
		}
	}
	return true, nil
}
