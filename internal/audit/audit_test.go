package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
)

func newTestLedger(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestLogChainsEntries(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	first, err := l.Log(ctx, "plugin.registered", "ops@acme", map[string]string{"plugin_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, genesisHash, first.PrevHash)
	assert.NotEmpty(t, first.Hash)

	second, err := l.Log(ctx, "plugin.approved", "ops@acme", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)
}

func TestVerifyIntegrityIntact(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	for i := 0; i < 10; i++ {
		_, err := l.Log(ctx, "execute_plugin", "gateway", map[string]int{"n": i})
		require.NoError(t, err)
	}

	report, err := l.VerifyIntegrity(0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 10, report.Entries)
	assert.Equal(t, -1, report.FirstBroken)
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l, path := newTestLedger(t)

	for i := 0; i < 5; i++ {
		_, err := l.Log(ctx, "execute_plugin", "gateway", map[string]int{"n": i})
		require.NoError(t, err)
	}

	// Tamper with the payload of entry index 2.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 5)
	lines[2] = strings.Replace(lines[2], `"n":2`, `"n":99`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	report, err := l.VerifyIntegrity(0, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, 2, report.FirstBroken)
}

func TestVerifyIntegrityDetectsDroppedEntry(t *testing.T) {
	ctx := context.Background()
	l, path := newTestLedger(t)

	for i := 0; i < 5; i++ {
		_, err := l.Log(ctx, "execute_plugin", "gateway", map[string]int{"n": i})
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	// Drop entry index 1; the chain breaks where the gap appears.
	lines = append(lines[:1], lines[2:]...)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	report, err := l.VerifyIntegrity(0, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, 1, report.FirstBroken)
}

func TestOpenRefusesCorruptLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := logging.NewTestLogger().Logger

	l, err := Open(path, logger)
	require.NoError(t, err)
	_, err = l.Log(ctx, "a", "x", nil)
	require.NoError(t, err)
	_, err = l.Log(ctx, "b", "x", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"kind":"a"`), []byte(`"kind":"z"`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0600))

	_, err = Open(path, logger)
	assert.ErrorIs(t, err, ErrLedgerCorrupt)
}

func TestResumeAppendsToExistingChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := logging.NewTestLogger().Logger

	l1, err := Open(path, logger)
	require.NoError(t, err)
	first, err := l1.Log(ctx, "a", "x", nil)
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	l2, err := Open(path, logger)
	require.NoError(t, err)
	defer l2.Close()
	second, err := l2.Log(ctx, "b", "x", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	report, err := l2.VerifyIntegrity(0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestExportJSON(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Log(ctx, "plugin.registered", "ops@acme", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, l.Export(ctx, &buf, "json", "ops@acme", 0, 0))

	var entries []Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	// The export action is itself the last entry in the output.
	require.Len(t, entries, 2)
	assert.Equal(t, "audit.export", entries[1].Kind)
	assert.Equal(t, "ops@acme", entries[1].Actor)
}

func TestExportYAML(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Log(ctx, "plugin.registered", "ops@acme", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, l.Export(ctx, &buf, "yaml", "ops@acme", 0, 0))

	var entries []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &entries))
	require.Len(t, entries, 2)
}

func TestExportBadFormat(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.Export(context.Background(), &bytes.Buffer{}, "xml", "ops@acme", 0, 0)
	assert.ErrorIs(t, err, ErrBadFormat)
}

func TestEntryCarriesPayloadHash(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	payload := map[string]string{"plugin_id": "p1"}
	entry, err := l.Log(ctx, "plugin.registered", "ops@acme", payload)
	require.NoError(t, err)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Equal(t, payloadHash(raw), entry.PayloadHash)

	// Entries without a payload still carry a hash over the empty bytes.
	empty, err := l.Log(ctx, "plugin.approved", "ops@acme", nil)
	require.NoError(t, err)
	assert.Equal(t, payloadHash(nil), empty.PayloadHash)
}

func TestVerifyDetectsPayloadSwapWithStaleHash(t *testing.T) {
	ctx := context.Background()
	l, path := newTestLedger(t)

	for i := 0; i < 3; i++ {
		_, err := l.Log(ctx, "execute_plugin", "gateway", map[string]int{"n": i})
		require.NoError(t, err)
	}

	// Rewrite entry index 1's payload while leaving every hash field
	// untouched. The payload commitment flags the exact entry.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	lines[1] = strings.Replace(lines[1], `"n":1`, `"n":7`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	report, err := l.VerifyIntegrity(0, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, 1, report.FirstBroken)
}

func TestVerifyIntegrityScopesRange(t *testing.T) {
	ctx := context.Background()
	l, path := newTestLedger(t)

	for i := 0; i < 6; i++ {
		_, err := l.Log(ctx, "execute_plugin", "gateway", map[string]int{"n": i})
		require.NoError(t, err)
	}

	// Break entry index 4 (seq 5).
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	lines[4] = strings.Replace(lines[4], `"n":4`, `"n":9`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600))

	// A range ending before the break verifies clean.
	report, err := l.VerifyIntegrity(1, 4)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 4, report.Entries)
	assert.Equal(t, -1, report.FirstBroken)

	// A range covering the break reports it.
	report, err = l.VerifyIntegrity(3, 6)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, 4, report.FirstBroken)

	// A break below the range still severs its anchor to genesis.
	report, err = l.VerifyIntegrity(6, 6)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, 1, report.Entries)
}

func TestExportRange(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	for i := 0; i < 5; i++ {
		_, err := l.Log(ctx, "execute_plugin", "gateway", map[string]int{"n": i})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, l.Export(ctx, &buf, "json", "ops@acme", 2, 4))

	var entries []Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entries))
	// The export's own entry has seq 6 and falls outside the range.
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(2), entries[0].Seq)
	assert.Equal(t, uint64(4), entries[2].Seq)
}
