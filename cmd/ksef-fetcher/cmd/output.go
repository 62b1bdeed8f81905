package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rezonia/ksef-fetcher/internal/decimal"
	"github.com/rezonia/ksef-fetcher/internal/model"
)

// FailureReport is written to stderr when a fetch fails
type FailureReport struct {
	Error    string                `json:"error"`
	Code     string                `json:"code,omitempty"`
	Count    int                   `json:"count"`
	Invoices []model.InvoiceRecord `json:"invoices"`
}

func writeSummary(w io.Writer, s *model.Summary, format string) error {
	switch format {
	case "json":
		return writeJSON(w, s)
	case "text":
		return writeText(w, s)
	case "table":
		return writeTable(w, s)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// writeFailure reports err along with whatever was fetched before it
func writeFailure(w io.Writer, s *model.Summary, err error) error {
	report := FailureReport{
		Error:    err.Error(),
		Code:     model.CodeOf(err),
		Invoices: []model.InvoiceRecord{},
	}
	if s != nil {
		report.Count = s.Count
		report.Invoices = append(report.Invoices, s.Invoices...)
	}
	return writeJSON(w, report)
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func writeText(w io.Writer, s *model.Summary) error {
	for _, inv := range s.Invoices {
		if _, err := fmt.Fprintf(w, "%s\t%s\n", inv.KSeFNumber, inv.Filename); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d new invoice(s)\n", s.Count)
	return err
}

func writeTable(w io.Writer, s *model.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KSEF NUMBER\tROLE\tNUMBER\tSELLER\tGROSS\tCURRENCY")
	fmt.Fprintln(tw, "-----------\t----\t------\t------\t-----\t--------")

	for _, inv := range s.Invoices {
		gross := ""
		if inv.GrossAmount != nil {
			gross = decimal.Format(*inv.GrossAmount)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inv.KSeFNumber,
			inv.SubjectRole,
			inv.InvoiceNumber,
			inv.SellerName,
			gross,
			inv.Currency,
		)
	}

	fmt.Fprintf(tw, "\nTOTAL\t%d\t\t\t\t\n", s.Count)
	for _, cur := range decimal.Currencies(s.Totals) {
		fmt.Fprintf(tw, "\t\t\t\t%s\t%s\n", decimal.Format(s.Totals[cur]), cur)
	}
	return tw.Flush()
}
