// Package audit keeps a tamper-evident ledger of gateway decisions. Each
// entry's hash covers the previous entry's hash, so editing or dropping a
// line breaks the chain from that point forward and VerifyIntegrity
// reports where.
package audit

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
)

// Errors for ledger operations.
var (
	ErrLedgerCorrupt = errors.New("audit ledger corrupted")
	ErrBadFormat     = errors.New("unsupported export format")
)

// genesisHash anchors the first entry's PrevHash.
var genesisHash = strings.Repeat("0", 64)

// Entry is one immutable ledger record. PayloadHash commits to the
// payload bytes separately from the chain hash, so a payload edit is
// attributable to the exact entry rather than just "somewhere after".
type Entry struct {
	Seq         uint64          `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	Kind        string          `json:"kind"`
	Actor       string          `json:"actor,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
}

// payloadHash commits to the raw payload bytes. A nil payload hashes
// the empty string, so the field is always present and comparable.
func payloadHash(payload json.RawMessage) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// chainHash computes the entry hash over every field except Hash itself.
// The previous hash is part of the input, which links the chain; the
// payload enters through its own hash.
func chainHash(e *Entry) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(e.Timestamp.UnixNano(), 10))
	b.WriteByte('\n')
	b.WriteString(e.Kind)
	b.WriteByte('\n')
	b.WriteString(e.Actor)
	b.WriteByte('\n')
	b.WriteString(e.PayloadHash)
	b.WriteByte('\n')
	b.WriteString(e.PrevHash)
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyReport is the outcome of an integrity walk.
type VerifyReport struct {
	OK          bool `json:"ok"`
	Entries     int  `json:"entries"`
	FirstBroken int  `json:"first_broken"` // entry index, -1 when intact
}

// Ledger appends hash-chained entries to a JSONL file. A single mutex
// guards the chain tail; appends are serialized.
type Ledger struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	nextSeq  uint64
	tailHash string
	logger   *logging.Logger
	now      func() time.Time
}

// Open creates or resumes a ledger at path. An existing file is walked to
// recover the tail; a broken chain refuses to open rather than append to
// a tampered ledger.
func Open(path string, logger *logging.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	l := &Ledger{
		filePath: path,
		nextSeq:  1,
		tailHash: genesisHash,
		logger:   logger.Named("audit"),
		now:      time.Now,
	}

	entries, report, err := readChain(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if report != nil && !report.OK {
		return nil, fmt.Errorf("%w: chain breaks at entry %d", ErrLedgerCorrupt, report.FirstBroken)
	}
	if n := len(entries); n > 0 {
		l.nextSeq = entries[n-1].Seq + 1
		l.tailHash = entries[n-1].Hash
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit ledger: %w", err)
	}
	l.file = file
	return l, nil
}

// Close releases the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Log appends one entry. The payload is marshaled to JSON and becomes
// part of the hashed content.
func (l *Ledger) Log(ctx context.Context, kind, actor string, payload any) (*Entry, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal audit payload: %w", err)
		}
		raw = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, kind, actor, raw)
}

// appendLocked writes and fsyncs one entry. Caller holds mu.
func (l *Ledger) appendLocked(ctx context.Context, kind, actor string, payload json.RawMessage) (*Entry, error) {
	entry := &Entry{
		Seq:         l.nextSeq,
		Timestamp:   l.now().UTC(),
		Kind:        kind,
		Actor:       actor,
		Payload:     payload,
		PayloadHash: payloadHash(payload),
		PrevHash:    l.tailHash,
	}
	entry.Hash = chainHash(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync audit ledger: %w", err)
	}

	l.nextSeq++
	l.tailHash = entry.Hash

	l.logger.Debug(ctx, "audit entry appended",
		zap.Uint64("seq", entry.Seq),
		zap.String("kind", kind),
	)
	return entry, nil
}

// VerifyIntegrity walks the chain on disk and reports the first broken
// entry. from and to bound the report by sequence number; zero means
// unbounded on that side.
func (l *Ledger) VerifyIntegrity(from, to uint64) (*VerifyReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Verify(l.filePath, from, to)
}

// Verify walks the chain at path without opening it for append. Unlike
// Open it tolerates a broken chain, so operators can inspect a ledger
// that refuses to load. The whole chain is always walked, because every
// hash links back to genesis; from and to only scope the report. A
// break strictly after to is not reported, but a break before from is,
// since it severs the range's anchor.
func Verify(path string, from, to uint64) (*VerifyReport, error) {
	entries, report, err := readChain(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &VerifyReport{OK: true, FirstBroken: -1}, nil
		}
		return nil, err
	}
	return scopeReport(entries, report, from, to), nil
}

// scopeReport narrows a whole-chain report to the [from, to] range.
func scopeReport(entries []Entry, report *VerifyReport, from, to uint64) *VerifyReport {
	scoped := &VerifyReport{OK: true, FirstBroken: -1}
	for _, e := range entries {
		if inRange(e.Seq, from, to) {
			scoped.Entries++
		}
	}
	if !report.OK {
		broken := entries[report.FirstBroken].Seq
		if to == 0 || broken <= to {
			scoped.OK = false
			scoped.FirstBroken = report.FirstBroken
		}
	}
	return scoped
}

func inRange(seq, from, to uint64) bool {
	if from > 0 && seq < from {
		return false
	}
	if to > 0 && seq > to {
		return false
	}
	return true
}

// Entries returns the full chain.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, _, err := readChain(l.filePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return entries, nil
}

// Export writes the chain to w as JSON or YAML. from and to bound the
// exported entries by sequence number; zero means unbounded on that
// side. The export is itself an audited action; its entry lands in the
// output only when the range admits it.
func (l *Ledger) Export(ctx context.Context, w io.Writer, format, actor string, from, to uint64) error {
	if format != "json" && format != "yaml" {
		return fmt.Errorf("%w: %q", ErrBadFormat, format)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exportNote, _ := json.Marshal(map[string]any{"format": format, "from": from, "to": to})
	if _, err := l.appendLocked(ctx, "audit.export", actor, exportNote); err != nil {
		return err
	}

	all, _, err := readChain(l.filePath)
	if err != nil {
		return err
	}
	entries := make([]Entry, 0, len(all))
	for _, e := range all {
		if inRange(e.Seq, from, to) {
			entries = append(entries, e)
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	default:
		data, err := yaml.Marshal(entries)
		if err != nil {
			return fmt.Errorf("failed to marshal export: %w", err)
		}
		_, err = w.Write(data)
		return err
	}
}

// readChain parses and verifies the ledger file. The returned report
// flags the first entry whose hash or back-link fails.
func readChain(path string) ([]Entry, *VerifyReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	report := &VerifyReport{OK: true, FirstBroken: -1}
	var entries []Entry
	prevHash := genesisHash

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	index := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return entries, nil, fmt.Errorf("%w: entry %d unparseable: %v", ErrLedgerCorrupt, index, err)
		}
		if report.OK {
			if entry.PrevHash != prevHash ||
				payloadHash(entry.Payload) != entry.PayloadHash ||
				chainHash(&entry) != entry.Hash {
				report.OK = false
				report.FirstBroken = index
			}
		}
		prevHash = entry.Hash
		entries = append(entries, entry)
		index++
	}
	if err := scanner.Err(); err != nil {
		return entries, nil, fmt.Errorf("failed to read audit ledger: %w", err)
	}
	report.Entries = len(entries)
	return entries, report, nil
}
