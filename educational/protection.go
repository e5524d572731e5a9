package educational

import "time"

// Window is an inclusive date range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// MinistryProtection caps the total consumption of institutions sharing a
// ministry. It only applies to bookings whose event starts inside one of
// the windows, typically the last months of the civil year, and that must
// be confirmed before that window closes.
type MinistryProtection struct {
	Enabled bool
	Windows []Window
}

// Applies reports whether the ministry ceiling must be checked for b.
func (p MinistryProtection) Applies(b Booking) bool {
	if !p.Enabled {
		return false
	}
	for _, w := range p.Windows {
		if !w.Contains(b.Stock.StartDatetime) {
			continue
		}
		// A confirmation that may land after the window belongs to the next pool.
		if !b.ConfirmationLimitDate.IsZero() && b.ConfirmationLimitDate.After(w.End) {
			continue
		}
		return true
	}
	return false
}

// YearEndWindow returns September 1st to December 31st of year, the period
// the pooled ceilings are meant for.
func YearEndWindow(year int, loc *time.Location) Window {
	return Window{
		Start: time.Date(year, time.September, 1, 0, 0, 0, 0, loc),
		End:   time.Date(year, time.December, 31, 23, 59, 59, 0, loc),
	}
}
