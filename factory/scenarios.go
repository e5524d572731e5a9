package factory

// =============================================================================
// BUILT-IN SCENARIOS - Demo datasets for dev environments and walkthroughs
// =============================================================================
//
// Each scenario is a self-contained dataset. Dates are relative to the load
// time so confirmation limits are always in the future unless a scenario is
// about expiry. IDs are fixed; loading a scenario twice upserts reference
// data but creates new bookings.

// Scenario is a named demo dataset.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Dataset     string `json:"-"`
}

const scenarioReferenceData = `
	"years": [{"adage_id": "24", "beginning_date": "2024-09-01", "expiration_date": "2025-08-31"}],
	"institutions": [
		{"id": 1, "uai": "0470009E", "name": "Collège Jean Moulin", "city": "Agen", "postal_code": "47000"},
		{"id": 2, "uai": "0470010F", "name": "Lycée Bernard Palissy", "city": "Agen", "postal_code": "47000"},
		{"id": 3, "uai": "0290063L", "name": "Lycée maritime", "city": "Le Guilvinec", "postal_code": "29730"}
	]`

var scenarios = []Scenario{
	{
		ID:          "budget-race",
		Name:        "Budget Race",
		Description: "Final deposit of 1000 and three pending bookings of 400: only two can be confirmed",
		Category:    "booking",
		Dataset: `{` + scenarioReferenceData + `,
			"deposits": [{"institution_id": 1, "year": "24", "amount": "1000", "is_final": true, "ministry": "MENjs"}],
			"bookings": [
				{"institution_id": 1, "year": "24", "offer_id": 101, "price": "400", "event_start_in_days": 30, "confirmation_limit_in_days": 10},
				{"institution_id": 1, "year": "24", "offer_id": 102, "price": "400", "event_start_in_days": 35, "confirmation_limit_in_days": 10},
				{"institution_id": 1, "year": "24", "offer_id": 103, "price": "400", "event_start_in_days": 40, "confirmation_limit_in_days": 10}
			]
		}`,
	},
	{
		ID:          "temporary-deposit",
		Name:        "Temporary Deposit",
		Description: "Non-final deposit of 1000: only 800 is spendable until the deposit becomes final",
		Category:    "booking",
		Dataset: `{` + scenarioReferenceData + `,
			"deposits": [{"institution_id": 2, "year": "24", "amount": "1000", "is_final": false, "ministry": "MENjs"}],
			"bookings": [
				{"institution_id": 2, "year": "24", "offer_id": 201, "price": "900", "event_start_in_days": 20, "confirmation_limit_in_days": 7},
				{"institution_id": 2, "year": "24", "offer_id": 202, "price": "800", "event_start_in_days": 25, "confirmation_limit_in_days": 7}
			]
		}`,
	},
	{
		ID:          "ministry-pool",
		Name:        "Ministry Pool",
		Description: "Two sea-ministry institutions share a pool of 600 for year-end events",
		Category:    "booking",
		Dataset: `{` + scenarioReferenceData + `,
			"deposits": [
				{"institution_id": 1, "year": "24", "amount": "1000", "ministry": "MMe"},
				{"institution_id": 3, "year": "24", "amount": "1000", "ministry": "MMe"}
			],
			"ministry_deposits": [{"ministry": "MMe", "year": "24", "amount": "600"}],
			"bookings": [
				{"institution_id": 1, "year": "24", "offer_id": 301, "price": "400", "status": "CONFIRMED", "event_start_in_days": 20},
				{"institution_id": 3, "year": "24", "offer_id": 302, "price": "300", "event_start_in_days": 21, "confirmation_limit_in_days": 5}
			]
		}`,
	},
	{
		ID:          "expiring-bookings",
		Name:        "Expiring Bookings",
		Description: "Pending bookings whose confirmation limit date has passed, swept by the expiry job",
		Category:    "booking",
		Dataset: `{` + scenarioReferenceData + `,
			"deposits": [{"institution_id": 2, "year": "24", "amount": "2000"}],
			"bookings": [
				{"institution_id": 2, "year": "24", "offer_id": 401, "price": "150", "event_start_in_days": 10, "confirmation_limit_in_days": -2},
				{"institution_id": 2, "year": "24", "offer_id": 402, "price": "150", "event_start_in_days": 10, "confirmation_limit_in_days": -1},
				{"institution_id": 2, "year": "24", "offer_id": 403, "price": "150", "event_start_in_days": 10, "confirmation_limit_in_days": 3}
			]
		}`,
	},
	{
		ID:          "subscription-journeys",
		Name:        "Subscription Journeys",
		Description: "Young users stopped at different subscription stages",
		Category:    "subscription",
		Dataset: `{
			"users": [
				{"id": 1, "email": "email.pending@example.com", "is_email_validated": false, "birth_date": "2006-03-01", "eligibility": "age-18"},
				{"id": 2, "email": "phone.todo@example.com", "birth_date": "2006-03-01", "eligibility": "age-18"},
				{"id": 3, "email": "identity.todo@example.com", "birth_date": "2008-06-15", "eligibility": "underage", "is_phone_validated": true},
				{"id": 4, "email": "ubble.retry@example.com", "birth_date": "2006-03-01", "eligibility": "age-18", "is_phone_validated": true},
				{"id": 5, "email": "beneficiary@example.com", "birth_date": "2006-03-01", "eligibility": "age-18", "is_phone_validated": true,
				 "roles": ["BENEFICIARY"], "deposit_expires_in_days": 300},
				{"id": 6, "email": "fraud.ko@example.com", "birth_date": "2006-03-01", "eligibility": "age-18", "is_phone_validated": true}
			],
			"fraud_checks": [
				{"user_id": 3, "type": "PROFILE_COMPLETION", "status": "OK", "eligibility": "underage", "created_in_days": -1},
				{"user_id": 4, "type": "PROFILE_COMPLETION", "status": "OK", "eligibility": "age-18", "created_in_days": -3},
				{"user_id": 4, "type": "UBBLE", "status": "KO", "eligibility": "age-18", "reason_codes": ["ID_CHECK_EXPIRED"], "created_in_days": -2}
			],
			"reviews": [
				{"user_id": 6, "author_id": 99, "result": "KO", "reason": "document forgery", "reviewed_in_days": -1}
			]
		}`,
	},
}

// Scenarios returns the built-in scenarios.
func Scenarios() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// FindScenario returns the scenario with id.
func FindScenario(id string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}
