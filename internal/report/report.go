// Package report renders settlement remittance exports.
package report

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/roach88/paysettle/internal/ledger"
)

// Format is an export file format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatXLSX, FormatPDF:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unsupported report format %q (want xlsx or pdf)", s)
	}
}

// Source is the store surface a report reads.
type Source interface {
	ListSettlements(ctx context.Context, legalEntityID int64) ([]ledger.Settlement, error)
	ListSettledAmounts(ctx context.Context, legalEntityID int64) ([]ledger.SettledAmount, error)
}

// Remittance is one settlement with the payments it covers.
type Remittance struct {
	Settlement ledger.Settlement
	Payments   []ledger.SettledAmount
}

// Collect loads settlements for one legal entity (<= 0 for all) and
// attaches the payments claimed by each.
func Collect(ctx context.Context, src Source, legalEntityID int64) ([]Remittance, error) {
	settlements, err := src.ListSettlements(ctx, legalEntityID)
	if err != nil {
		return nil, err
	}
	amounts, err := src.ListSettledAmounts(ctx, legalEntityID)
	if err != nil {
		return nil, err
	}

	bySettlement := make(map[string][]ledger.SettledAmount)
	for _, sa := range amounts {
		if sa.SettlementID == "" {
			continue
		}
		bySettlement[sa.SettlementID] = append(bySettlement[sa.SettlementID], sa)
	}

	out := make([]Remittance, 0, len(settlements))
	for _, st := range settlements {
		payments := bySettlement[st.ID]
		sort.Slice(payments, func(i, j int) bool {
			if payments[i].SubjectID != payments[j].SubjectID {
				return payments[i].SubjectID < payments[j].SubjectID
			}
			return payments[i].PendingItemID < payments[j].PendingItemID
		})
		out = append(out, Remittance{Settlement: st, Payments: payments})
	}
	return out, nil
}

// Build renders remittances in the given format.
func Build(format Format, rems []Remittance, generatedAt time.Time) ([]byte, error) {
	switch format {
	case FormatXLSX:
		return BuildXLSX(rems)
	case FormatPDF:
		return BuildPDF(rems, generatedAt)
	default:
		return nil, fmt.Errorf("unsupported report format %q", format)
	}
}

// BuildPDF renders a remittance advice per settlement.
func BuildPDF(rems []Remittance, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(generatedAt)
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Settlement Remittance")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Settlements: %d", len(rems)))
	pdf.Ln(8)

	for _, rem := range rems {
		st := rem.Settlement
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, fmt.Sprintf("Legal entity %d", st.LegalEntityID))
		pdf.Ln(6)
		pdf.SetFont("Arial", "", 10)
		pdf.Cell(0, 6, fmt.Sprintf("Settlement: %s", st.ID))
		pdf.Ln(5)
		pdf.Cell(0, 6, fmt.Sprintf("Settled: %s", st.SettledAt.UTC().Format(time.RFC3339)))
		pdf.Ln(5)
		pdf.Cell(0, 6, fmt.Sprintf("Payments: %d  Total: %s", st.PaymentCount, st.TotalAmount.StringFixed(2)))
		pdf.Ln(7)

		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(40, 6, "Subject", "1", 0, "C", false, 0, "")
		pdf.CellFormat(90, 6, "Pending item", "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, "Amount", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, p := range rem.Payments {
			pdf.CellFormat(40, 6, fmt.Sprintf("%d", p.SubjectID), "1", 0, "C", false, 0, "")
			pdf.CellFormat(90, 6, p.PendingItemID, "1", 0, "L", false, 0, "")
			pdf.CellFormat(40, 6, p.Amount.StringFixed(2), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
		pdf.Ln(6)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildXLSX renders a settlements sheet and a payments sheet.
func BuildXLSX(rems []Remittance) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	settlementsSheet := "settlements"
	paymentsSheet := "payments"
	if err := f.SetSheetName("Sheet1", settlementsSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(paymentsSheet); err != nil {
		return nil, fmt.Errorf("add sheet: %w", err)
	}

	headers := []any{"Settlement", "Legal entity", "Payments", "Total", "Settled at"}
	if err := f.SetSheetRow(settlementsSheet, "A1", &headers); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	paymentHeaders := []any{"Settlement", "Legal entity", "Subject", "Pending item", "Amount"}
	if err := f.SetSheetRow(paymentsSheet, "A1", &paymentHeaders); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	paymentRow := 2
	for i, rem := range rems {
		st := rem.Settlement
		row := []any{st.ID, st.LegalEntityID, st.PaymentCount, st.TotalAmount.StringFixed(2), st.SettledAt.UTC().Format(time.RFC3339)}
		if err := f.SetSheetRow(settlementsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, fmt.Errorf("write settlement %s: %w", st.ID, err)
		}
		for _, p := range rem.Payments {
			prow := []any{st.ID, p.LegalEntityID, p.SubjectID, p.PendingItemID, p.Amount.StringFixed(2)}
			if err := f.SetSheetRow(paymentsSheet, fmt.Sprintf("A%d", paymentRow), &prow); err != nil {
				return nil, fmt.Errorf("write payment %s: %w", p.ID, err)
			}
			paymentRow++
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("render xlsx: %w", err)
	}
	return buf.Bytes(), nil
}
