package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// renderer writes command results as tables, JSON or YAML.
type renderer struct {
	out    io.Writer
	format string
}

func newRenderer(out io.Writer, format string) (*renderer, error) {
	switch format {
	case "table", "json", "yaml":
		return &renderer{out: out, format: format}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// value renders v in a structured format. Tables fall back to indented JSON
// for results without a dedicated layout.
func (r *renderer) value(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if r.format != "yaml" {
		_, err = fmt.Fprintln(r.out, string(data))
		return err
	}
	// Round-trip through JSON so money and decimals keep their string form.
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func (r *renderer) reports(reps []domain.ReconciliationReport) error {
	if r.format != "table" {
		return r.value(reps)
	}
	t := tablewriter.NewWriter(r.out)
	t.Header("ID", "Date", "Trigger", "Status", "Users", "Failed", "Discrepancies", "Took")
	for _, rep := range reps {
		if err := t.Append(
			rep.ID,
			rep.ReportDate.Format(time.DateOnly),
			rep.Trigger,
			string(rep.Status),
			strconv.Itoa(rep.UsersScanned),
			strconv.Itoa(rep.BatchesFailed),
			strconv.Itoa(len(rep.Discrepancies)),
			rep.Duration.Round(time.Millisecond).String(),
		); err != nil {
			return err
		}
	}
	return t.Render()
}

func (r *renderer) report(rep domain.ReconciliationReport) error {
	if r.format != "table" {
		return r.value(rep)
	}
	fmt.Fprintf(r.out, "report %s  %s  trigger=%s  users=%d  failed_batches=%d\n",
		rep.ID, rep.Status, rep.Trigger, rep.UsersScanned, rep.BatchesFailed)
	if rep.Error != "" {
		fmt.Fprintf(r.out, "error: %s\n", rep.Error)
	}

	totals := tablewriter.NewWriter(r.out)
	totals.Header("Currency", "Ledger", "Balances", "Delta")
	for _, ct := range rep.Totals {
		if err := totals.Append(string(ct.Currency), ct.Expected.String(), ct.Actual.String(), ct.Delta.String()); err != nil {
			return err
		}
	}
	if err := totals.Render(); err != nil {
		return err
	}

	if len(rep.Discrepancies) == 0 {
		_, err := fmt.Fprintln(r.out, "no discrepancies")
		return err
	}
	d := tablewriter.NewWriter(r.out)
	d.Header("User", "Currency", "Ledger", "Balance", "Delta")
	for _, x := range rep.Discrepancies {
		if err := d.Append(x.UserID, string(x.Currency), x.Expected.String(), x.Actual.String(), x.Delta.String()); err != nil {
			return err
		}
	}
	return d.Render()
}

func (r *renderer) pool(st domain.PoolState) error {
	if r.format != "table" {
		return r.value(st)
	}
	fmt.Fprintf(r.out, "market %s  total %s\n", st.MarketID, st.Total)
	t := tablewriter.NewWriter(r.out)
	t.Header("#", "Option", "Staked", "Share", "Multiple")
	for _, o := range st.Options {
		if err := t.Append(
			strconv.Itoa(o.Option),
			o.Label,
			o.Total.String(),
			o.Percent.StringFixed(2)+"%",
			o.Multiple.StringFixed(4),
		); err != nil {
			return err
		}
	}
	return t.Render()
}

func (r *renderer) balance(b domain.Balance) error {
	if r.format != "table" {
		return r.value(b)
	}
	t := tablewriter.NewWriter(r.out)
	t.Header("User", "COIN", "FIAT", "Updated")
	updated := "-"
	if !b.UpdatedAt.IsZero() {
		updated = b.UpdatedAt.Format(time.RFC3339)
	}
	if err := t.Append(b.UserID, b.Coin.String(), b.Fiat.String(), updated); err != nil {
		return err
	}
	return t.Render()
}

func (r *renderer) audit(entries []domain.AuditEntry) error {
	if r.format != "table" {
		return r.value(entries)
	}
	t := tablewriter.NewWriter(r.out)
	t.Header("Time", "Event", "Detail")
	for _, e := range entries {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return err
		}
		if err := t.Append(e.CreatedAt.Format(time.RFC3339), e.Event, string(detail)); err != nil {
			return err
		}
	}
	return t.Render()
}

func (r *renderer) archives(infos []domain.BlobInfo) error {
	if r.format != "table" {
		return r.value(infos)
	}
	t := tablewriter.NewWriter(r.out)
	t.Header("Path", "Size", "Modified")
	for _, b := range infos {
		modified := "-"
		if !b.LastModified.IsZero() {
			modified = b.LastModified.Format(time.RFC3339)
		}
		if err := t.Append(b.Path, strconv.FormatInt(b.Size, 10), modified); err != nil {
			return err
		}
	}
	return t.Render()
}
