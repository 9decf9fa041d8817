package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

type memLedger struct {
	trades []domain.ClosedTrade
	calls  int
}

func (m *memLedger) ListClosedTrades(_ context.Context, opts domain.ListOpts) ([]domain.ClosedTrade, error) {
	m.calls++
	var out []domain.ClosedTrade
	for i := len(m.trades) - 1; i >= 0; i-- {
		t := m.trades[i]
		if opts.Since != nil && t.ExitTime.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !t.ExitTime.Before(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

type memBlobs struct {
	objects   map[string][]byte
	multipart int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	m.multipart++
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveMonthWritesOnlyThatMonth(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{}
	may := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 1200; i++ {
		ledger.trades = append(ledger.trades, domain.ClosedTrade{
			ID:       fmt.Sprintf("t%d", i),
			Symbol:   "SOLUSDT",
			ExitTime: may.Add(time.Duration(i) * time.Minute),
		})
	}
	ledger.trades = append(ledger.trades,
		domain.ClosedTrade{ID: "june", ExitTime: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)},
		domain.ClosedTrade{ID: "april", ExitTime: may.Add(-time.Second)},
	)
	blobs := newMemBlobs()
	audit := &memAudit{}
	a := NewArchiver(ledger, blobs, blobs, audit, nil)

	n, err := a.ArchiveMonth(ctx, may.Add(10*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1200), n)
	assert.Equal(t, []string{"archive.closed_trades"}, audit.events)
	assert.Zero(t, blobs.multipart)

	data := blobs.objects["archive/closed_trades/2026-05.jsonl"]
	require.NotEmpty(t, data)
	sc := bufio.NewScanner(bytes.NewReader(data))
	var first, lines int
	for sc.Scan() {
		var tr domain.ClosedTrade
		require.NoError(t, json.Unmarshal(sc.Bytes(), &tr))
		if lines == 0 {
			assert.Equal(t, "t0", tr.ID)
			first++
		}
		lines++
	}
	assert.Equal(t, 1200, lines)
	assert.Equal(t, 1, first)

	// A second run finds the object and skips the ledger entirely.
	calls := ledger.calls
	n, err = a.ArchiveMonth(ctx, may)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, calls, ledger.calls)
}

func TestArchiveEmptyMonthUploadsNothing(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(&memLedger{}, blobs, blobs, nil, nil)
	n, err := a.ArchiveMonth(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestMonthBoundsRespectLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	// 2026-05-31 20:00 UTC is already June in UTC+8.
	start, end := monthBounds(time.Date(2026, 5, 31, 20, 0, 0, 0, time.UTC), loc)
	assert.Equal(t, time.June, start.Month())
	assert.Equal(t, time.July, end.Month())
	assert.Equal(t, "archive/closed_trades/2026-06.jsonl", ArchivePath(start))
}

func TestObjectKeyAndEndpoint(t *testing.T) {
	assert.Equal(t, "spotbot/archive/x", objectKey("spotbot", "/archive/x"))
	assert.Equal(t, "archive/x", objectKey("", "archive/x"))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("https://minio:9000", false))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
}
