package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hotelbooking/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Reconciliation"

var reportHeaders = []string{
	"Booking ID", "Room", "Guest ID", "Check-in", "Check-out", "Nights", "Expected Total",
	"Status", "Paid Payment ID", "Paid Amount", "Attempts", "Mismatch",
}

// Source is the read side of storage the report needs.
type Source interface {
	ListRooms(ctx context.Context, listedOnly bool) ([]*models.Room, error)
	GetBookingsByCheckInRange(ctx context.Context, from, to time.Time) ([]*models.Booking, error)
	GetPaymentsByBooking(ctx context.Context, bookingID int64) ([]*models.Payment, error)
}

// Row is one reconciled booking.
type Row struct {
	Booking  *models.Booking
	Room     string
	Paid     *models.Payment
	Attempts int
}

// Mismatch reports a completed payment that disagrees with the booking's expected total.
func (r Row) Mismatch() bool {
	return r.Paid != nil && r.Paid.Amount != r.Booking.ExpectedTotal()
}

// ReconciliationReport lists bookings next to their payment attempts for a check-in range.
type ReconciliationReport struct {
	source Source
	dir    string
	now    func() time.Time
	logger *zerolog.Logger
}

func NewReconciliationReport(source Source, dir string, logger *zerolog.Logger) *ReconciliationReport {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ReconciliationReport{source: source, dir: dir, now: time.Now, logger: logger}
}

// Rows collects the reconciled rows for bookings checking in within [from, to).
func (r *ReconciliationReport) Rows(ctx context.Context, from, to time.Time) ([]Row, error) {
	rooms, err := r.source.ListRooms(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	numbers := make(map[int64]string, len(rooms))
	for _, room := range rooms {
		numbers[room.ID] = room.Number
	}

	bookings, err := r.source.GetBookingsByCheckInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}

	rows := make([]Row, 0, len(bookings))
	for _, b := range bookings {
		payments, err := r.source.GetPaymentsByBooking(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("list payments of booking %d: %w", b.ID, err)
		}
		row := Row{Booking: b, Room: numbers[b.RoomID], Attempts: len(payments)}
		for _, p := range payments {
			if p.Status == models.PaymentCompleted {
				row.Paid = p
				break
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Write saves the report as XLSX and returns its path.
func (r *ReconciliationReport) Write(ctx context.Context, from, to time.Time) (string, error) {
	if !to.After(from) {
		return "", fmt.Errorf("invalid range: %s - %s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	rows, err := r.Rows(ctx, from, to)
	if err != nil {
		return "", err
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := writeHeader(f); err != nil {
		return "", err
	}

	mismatchStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFC7CE"}, Pattern: 1},
		Font: &excelize.Font{Bold: true, Color: "#9C0006"},
	})
	if err != nil {
		return "", fmt.Errorf("error creating style: %w", err)
	}

	mismatches := 0
	for i, row := range rows {
		line := i + 2
		if err := f.SetSheetRow(sheetName, fmt.Sprintf("A%d", line), rowValues(row)); err != nil {
			return "", fmt.Errorf("error writing row %d: %w", line, err)
		}
		if row.Mismatch() {
			mismatches++
			last, _ := excelize.CoordinatesToCellName(len(reportHeaders), line)
			_ = f.SetCellStyle(sheetName, fmt.Sprintf("A%d", line), last, mismatchStyle)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "C", 12)
	_ = f.SetColWidth(sheetName, "D", "E", 20)
	_ = f.SetColWidth(sheetName, "F", "L", 15)
	_ = f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("reconciliation_%s_to_%s_%s.xlsx",
		from.Format("2006-01-02"), to.Format("2006-01-02"), r.now().Format("20060102-150405"))
	filePath := filepath.Join(r.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	r.logger.Info().Str("file_path", filePath).Int("rows", len(rows)).Int("mismatches", mismatches).Msg("reconciliation report created")
	return filePath, nil
}

func writeHeader(f *excelize.File) error {
	style, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("error creating style: %w", err)
	}
	for i, header := range reportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
		_ = f.SetCellStyle(sheetName, cell, cell, style)
	}
	return nil
}

func rowValues(row Row) []interface{} {
	b := row.Booking
	values := []interface{}{
		b.ID,
		row.Room,
		b.GuestID,
		b.CheckIn.UTC().Format("2006-01-02 15:04"),
		b.CheckOut.UTC().Format("2006-01-02 15:04"),
		b.Nights(),
		b.ExpectedTotal(),
		b.Status.String(),
	}
	if row.Paid != nil {
		values = append(values, row.Paid.ID, row.Paid.Amount)
	} else {
		values = append(values, "", "")
	}
	mismatch := "no"
	if row.Mismatch() {
		mismatch = "YES"
	}
	return append(values, row.Attempts, mismatch)
}
