/*
Package report renders institution reports as spreadsheets.

PURPOSE:
  Institutions and support staff reconcile a year's budget in a spreadsheet.
  BookingsWorkbook writes one row per collective booking plus a summary
  sheet with the ledger view (deposit, usable ceiling, consumed, remaining).
*/
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/passculture/eac-engine/educational"
	"github.com/xuri/excelize/v2"
)

const (
	BookingsSheet = "Bookings"
	FundsSheet    = "Funds"
)

var bookingsHeader = []interface{}{
	"booking_id",
	"stock_id",
	"offer_id",
	"status",
	"price",
	"event_start",
	"date_created",
	"confirmation_limit_date",
	"confirmation_date",
	"cancellation_date",
	"cancellation_reason",
	"consumes_budget",
}

// BookingsWorkbook returns the xlsx bytes of the report. Dates are written
// in loc; funds may be nil when the institution has no deposit.
func BookingsWorkbook(funds *educational.Funds, bookings []educational.Booking, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if err := f.SetSheetName(sheet, BookingsSheet); err != nil {
		return nil, fmt.Errorf("failed to rename sheet: %w", err)
	}

	if err := f.SetSheetRow(BookingsSheet, "A1", &bookingsHeader); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	for i, b := range bookings {
		row := []interface{}{
			int64(b.ID),
			int64(b.Stock.ID),
			b.Stock.OfferID,
			string(b.Status),
			b.Price().InexactFloat64(),
			formatDate(&b.Stock.StartDatetime, loc),
			formatDate(&b.DateCreated, loc),
			formatDate(&b.ConfirmationLimitDate, loc),
			formatDate(b.ConfirmationDate, loc),
			formatDate(b.CancellationDate, loc),
			reason(b.CancellationReason),
			b.Status.ConsumesBudget(),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(BookingsSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write booking %d: %w", b.ID, err)
		}
	}

	if funds != nil {
		if err := writeFunds(f, funds); err != nil {
			return nil, err
		}
	}

	buf := &bytes.Buffer{}
	if err := f.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFunds(f *excelize.File, funds *educational.Funds) error {
	if _, err := f.NewSheet(FundsSheet); err != nil {
		return fmt.Errorf("failed to create funds sheet: %w", err)
	}
	ministry := ""
	if funds.Ministry != nil {
		ministry = string(*funds.Ministry)
	}
	rows := [][]interface{}{
		{"institution_id", int64(funds.InstitutionID)},
		{"year", string(funds.YearID)},
		{"ministry", ministry},
		{"deposit", funds.Deposit.InexactFloat64()},
		{"is_final", funds.IsFinal},
		{"usable", funds.Usable.InexactFloat64()},
		{"consumed", funds.Consumed.InexactFloat64()},
		{"remaining", funds.Remaining.InexactFloat64()},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(FundsSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write funds: %w", err)
		}
	}
	return nil
}

func formatDate(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.In(loc).Format(time.DateTime)
}

func reason(r *educational.CancellationReason) string {
	if r == nil {
		return ""
	}
	return string(*r)
}
