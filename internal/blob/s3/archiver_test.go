package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/store"
	"github.com/alanyoungcy/poolbet/internal/store/sqlite"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var infos []domain.BlobInfo
	for path, b := range m.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(b))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func TestArchiver_ArchiveTransactionsOncePerDay(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()
	ledger := sqlite.NewLedger(db, store.DefaultRetryPolicy, nil)

	cutoff := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		for i, at := range []time.Time{
			cutoff.Add(-30 * time.Hour), // previous day, excluded
			cutoff.Add(-2 * time.Hour),
			cutoff.Add(-1 * time.Hour),
			cutoff.Add(time.Minute), // after cutoff, excluded
		} {
			if err := tx.AppendTransaction(ctx, domain.Transaction{
				ID: string(rune('a' + i)), UserID: "alice", Amount: money.FromUnits(1),
				Currency: money.Coin, Category: domain.TxDeposit, CreatedAt: at,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	blobs := newMemBlobs()
	a := NewArchiver(ledger, blobs, blobs, sqlite.NewAuditStore(db), slog.Default())

	n, err := a.ArchiveTransactions(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body, ok := blobs.objects["archive/transactions/2025/03/01.jsonl"]
	require.True(t, ok)
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var tr domain.Transaction
		require.NoError(t, json.Unmarshal(sc.Bytes(), &tr))
		ids = append(ids, tr.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)

	again, err := a.ArchiveTransactions(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, again, "an archived day is not uploaded twice")
}

func TestArchiver_ArchiveReport(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(nil, blobs, blobs, nil, slog.Default())

	r := domain.ReconciliationReport{
		ID:         "rep-1",
		ReportDate: time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC),
		Status:     domain.ReportCompleted,
	}
	path, err := a.ArchiveReport(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "archive/reconciliation/2025/01/rep-1.json", path)

	var got domain.ReconciliationReport
	require.NoError(t, json.Unmarshal(blobs.objects[path], &got))
	assert.Equal(t, "rep-1", got.ID)
}

func TestArchiver_BrowseArchives(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	blobs.objects["archive/transactions/2025/01/30.jsonl"] = []byte("{}\n")
	blobs.objects["archive/transactions/2025/02/01.jsonl"] = []byte("{}\n{}\n")
	blobs.objects["archive/reconciliation/2025/01/rep-1.json"] = []byte(`{"id":"rep-1"}`)
	blobs.objects["private/keys.txt"] = []byte("secret")
	a := NewArchiver(nil, blobs, blobs, nil, slog.Default())

	all, err := a.ListArchives(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	jan, err := a.ListArchives(ctx, "transactions/2025/01")
	require.NoError(t, err)
	require.Len(t, jan, 1)
	assert.Equal(t, "archive/transactions/2025/01/30.jsonl", jan[0].Path)

	same, err := a.ListArchives(ctx, "archive/transactions/2025/01")
	require.NoError(t, err)
	assert.Equal(t, jan, same)

	rc, err := a.OpenArchive(ctx, "archive/reconciliation/2025/01/rep-1.json")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.JSONEq(t, `{"id":"rep-1"}`, string(body))

	_, err = a.OpenArchive(ctx, "private/keys.txt")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = a.OpenArchive(ctx, "archive/transactions/1999/01/01.jsonl")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
