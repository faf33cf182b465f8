package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paymcp/paymcp/pkg/logging"
)

type priceRecorder struct {
	mu     sync.Mutex
	tables []map[string]decimal.Decimal
}

func (r *priceRecorder) record(table map[string]decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, table)
}

func (r *priceRecorder) last() (map[string]decimal.Decimal, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tables) == 0 {
		return nil, 0
	}
	return r.tables[len(r.tables)-1], len(r.tables)
}

func TestPriceWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "server:\n  prices:\n    tools/call: \"0.01\"\n")

	rec := &priceRecorder{}
	w := NewPriceWatcher(path, rec.record, logging.Discard())
	w.Debounce = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	writeConfig(t, dir, "server:\n  prices:\n    tools/call: \"0.07\"\n")

	require.Eventually(t, func() bool {
		table, _ := rec.last()
		return table != nil && table["tools/call"].Equal(decimal.RequireFromString("0.07"))
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPriceWatcher_IgnoresInvalidPrices(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "server:\n  prices:\n    tools/call: \"0.01\"\n")

	rec := &priceRecorder{}
	w := NewPriceWatcher(path, rec.record, logging.Discard())
	w.Debounce = 10 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)

	writeConfig(t, dir, "server:\n  prices:\n    tools/call: \"nope\"\n")
	// unrelated files in the directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o600))
	time.Sleep(200 * time.Millisecond)

	_, n := rec.last()
	assert.Zero(t, n)
}

func TestPriceWatcher_RequiresCallback(t *testing.T) {
	w := NewPriceWatcher(filepath.Join(t.TempDir(), "config.yaml"), nil, nil)
	assert.Error(t, w.Start(context.Background()))
}
