package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func sampleReport() domain.ReconciliationReport {
	return domain.ReconciliationReport{
		ID:           "rep-1",
		ReportDate:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Trigger:      "schedule",
		Status:       domain.ReportPartial,
		UsersScanned: 12,
		Totals: []domain.CurrencyTotals{
			{Currency: money.Coin, Expected: money.MustParse("100"), Actual: money.MustParse("101"), Delta: money.MustParse("1")},
		},
		Discrepancies: []domain.Discrepancy{
			{UserID: "u7", Currency: money.Coin, Expected: money.MustParse("10"), Actual: money.MustParse("11"), Delta: money.MustParse("1")},
		},
	}
}

func TestRenderReportTable(t *testing.T) {
	var buf bytes.Buffer
	r, err := newRenderer(&buf, "table")
	require.NoError(t, err)
	require.NoError(t, r.report(sampleReport()))

	out := buf.String()
	assert.Contains(t, out, "rep-1")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "u7")
	assert.Contains(t, out, "11.000000")
}

func TestRenderYAMLKeepsMoneyStrings(t *testing.T) {
	var buf bytes.Buffer
	r, err := newRenderer(&buf, "yaml")
	require.NoError(t, err)
	require.NoError(t, r.pool(domain.PoolState{
		MarketID: "m1",
		Total:    money.MustParse("150"),
		Options: []domain.OptionState{
			{Option: 0, Label: "A", Total: money.MustParse("150"), Percent: decimal.NewFromInt(100), Multiple: decimal.NewFromInt(1)},
		},
	}))
	out := buf.String()
	assert.Contains(t, out, "market_id: m1")
	assert.Contains(t, out, `total: "150.000000"`)
}

func TestRenderArchivesTable(t *testing.T) {
	var buf bytes.Buffer
	r, err := newRenderer(&buf, "table")
	require.NoError(t, err)
	require.NoError(t, r.archives([]domain.BlobInfo{
		{Path: "archive/transactions/2026/03/01.jsonl", Size: 2048, LastModified: time.Date(2026, 3, 2, 0, 5, 0, 0, time.UTC)},
		{Path: "archive/reconciliation/2026/03/rep-1.json", Size: 311},
	}))
	out := buf.String()
	assert.Contains(t, out, "archive/transactions/2026/03/01.jsonl")
	assert.Contains(t, out, "2048")
	assert.Contains(t, out, "2026-03-02T00:05:00Z")
}

func TestRendererRejectsUnknownFormat(t *testing.T) {
	_, err := newRenderer(io.Discard, "xml")
	assert.Error(t, err)
}

func TestRunAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "poolbet.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
mode = "worker"

[storage]
driver = "sqlite"

[sqlite]
path = "`+filepath.ToSlash(filepath.Join(dir, "ledger.db"))+`"
`), 0o600))
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, run(ctx, cfgPath, "json", []string{"reconcile"}, &buf, quiet))
	assert.Contains(t, buf.String(), `"status": "completed"`)

	buf.Reset()
	require.NoError(t, run(ctx, cfgPath, "table", []string{"reports", "-limit", "5"}, &buf, quiet))
	assert.Contains(t, buf.String(), "completed")

	buf.Reset()
	require.NoError(t, run(ctx, cfgPath, "table", []string{"balance", "nobody"}, &buf, quiet))
	assert.Contains(t, buf.String(), "nobody")

	buf.Reset()
	require.NoError(t, run(ctx, cfgPath, "json", []string{"audit", "-limit", "10"}, &buf, quiet))
	assert.Contains(t, buf.String(), `"event": "reconciliation.run"`)

	buf.Reset()
	require.NoError(t, run(ctx, cfgPath, "table", []string{"audit"}, &buf, quiet))
	assert.Contains(t, buf.String(), "reconciliation.run")

	assert.ErrorIs(t, run(ctx, cfgPath, "table", []string{"archives"}, &buf, quiet), errNoArchiving)
	assert.ErrorIs(t, run(ctx, cfgPath, "table", []string{"archive-cat"}, &buf, quiet), errUsage)

	assert.ErrorIs(t, run(ctx, cfgPath, "table", nil, &buf, quiet), errUsage)
	assert.ErrorIs(t, run(ctx, cfgPath, "table", []string{"report"}, &buf, quiet), errUsage)
	assert.ErrorIs(t, run(ctx, cfgPath, "table", []string{"explode"}, &buf, quiet), errUsage)
	assert.ErrorIs(t, run(ctx, cfgPath, "table", []string{"pool", "missing"}, &buf, quiet), domain.ErrNotFound)
}
