package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orpaynter/opaudit/internal/redact"
	"github.com/orpaynter/opaudit/internal/telemetry"
)

// LogFileName is the name of the JSONL file inside the audit directory.
const LogFileName = "audit.jsonl"

// timestampLayout is RFC 3339 in UTC with fixed microsecond precision, so
// timestamps compare correctly as strings.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

var (
	// ErrClosed is returned by Append after the log has been closed.
	ErrClosed = errors.New("audit log is closed")

	// ErrCorruptTail is returned by Open when the last complete record of an
	// existing log cannot be parsed, so there is no chain tip to extend.
	ErrCorruptTail = errors.New("audit log tail is corrupt")
)

// Entry is a single audit record. Field order matches the persisted JSON
// line. Hash covers every other field.
type Entry struct {
	Timestamp       string         `json:"timestamp"`
	EventID         string         `json:"event_id"`
	Actor           string         `json:"actor"`
	ActionType      string         `json:"action_type"`
	InputsHash      string         `json:"inputs_hash"`
	InputsPreview   any            `json:"inputs_preview"`
	OutputPreview   any            `json:"output_preview"`
	OutputType      string         `json:"output_type"`
	PreviousHash    string         `json:"previous_hash"`
	ConfidenceScore *float64       `json:"confidence_score"`
	Metadata        map[string]any `json:"metadata"`
	RequestID       string         `json:"request_id,omitempty"`
	Hash            string         `json:"hash"`
}

// Record is what a caller asks to be audited.
type Record struct {
	Actor      string
	ActionType string
	Inputs     any
	Output     any
	Metadata   map[string]any
	Confidence *float64
}

// QueryParams filters entries for Query. Zero values mean "no filter".
type QueryParams struct {
	ActionType string // Exact match on action_type.
	Actor      string // Exact match on actor.
	Since      string // RFC 3339 timestamp or Go duration ("1h", "24h").
	Limit      int    // Maximum entries to return; 0 means all.
}

// Options configures a Log at Open.
type Options struct {
	// Index enables the SQLite query index (index.db in the audit dir).
	Index bool

	// PreviewChars is the character budget for previews.
	// Zero means DefaultPreviewChars.
	PreviewChars int

	// Sanitizer redacts previews. Nil means redact.Default().
	Sanitizer Sanitizer
}

// Log is the hash-chained, append-only audit log.
//
// Storage layout:
//
//	<dir>/
//	├── audit.jsonl   # one entry per line, append-only
//	└── index.db      # optional SQLite projection for queries
//
// Safe for concurrent use. Appends are serialized by a single mutex that
// covers reading the tip, hashing, writing, fsync and advancing the tip.
type Log struct {
	mu           sync.Mutex
	dir          string
	path         string
	file         *os.File
	size         int64  // Committed byte offset; everything before it is whole lines.
	seq          uint64 // Number of records in the file.
	tip          string // Hash of the last record, or GenesisHash.
	index        *sqliteIndex
	sanitizer    Sanitizer
	previewChars int
	subscribers  []func(Entry)

	// notifyMu is taken before mu is released, so subscribers see entries
	// in chain order.
	notifyMu sync.Mutex

	refs int // Guarded by openLogs.mu.
}

// openLogs makes every Open of the same directory within a process share
// one *Log, so two initializations can never seed different chain tips.
var openLogs = struct {
	mu   sync.Mutex
	logs map[string]*Log
}{logs: make(map[string]*Log)}

// Open opens or creates the audit log in dir and seeds the chain tip from
// the last persisted record. Opening a directory that is already open in
// this process returns the same *Log; opts of later calls are ignored.
// Each successful Open must be paired with a Close.
func Open(dir string, opts Options) (*Log, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving audit directory %s: %w", dir, err)
	}

	openLogs.mu.Lock()
	defer openLogs.mu.Unlock()

	if a, ok := openLogs.logs[abs]; ok {
		a.refs++
		return a, nil
	}

	a, err := open(abs, opts)
	if err != nil {
		return nil, err
	}
	a.refs = 1
	openLogs.logs[abs] = a
	return a, nil
}

func open(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
	}

	a := &Log{
		dir:          dir,
		path:         filepath.Join(dir, LogFileName),
		tip:          GenesisHash,
		sanitizer:    opts.Sanitizer,
		previewChars: opts.PreviewChars,
	}
	if a.sanitizer == nil {
		a.sanitizer = redact.Default()
	}
	if a.previewChars <= 0 {
		a.previewChars = DefaultPreviewChars
	}

	if err := a.recoverState(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit file %s: %w", a.path, err)
	}
	a.file = f

	if opts.Index {
		idx, err := openIndex(filepath.Join(dir, "index.db"))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening audit index: %w", err)
		}
		a.index = idx
		if err := a.catchUpIndex(); err != nil {
			slog.Error("audit index catch-up failed", "error", err)
		}
	}

	telemetry.AuditChainEntries.Set(float64(a.seq))
	slog.Info("audit log initialized", "dir", dir, "entries", a.seq, "tip", short(a.tip))
	return a, nil
}

// Close releases one reference to the log. The last reference closes the
// file and the index.
func (a *Log) Close() error {
	openLogs.mu.Lock()
	if a.refs <= 0 {
		openLogs.mu.Unlock()
		return nil
	}
	a.refs--
	if a.refs > 0 {
		openLogs.mu.Unlock()
		return nil
	}
	if openLogs.logs[a.dir] == a {
		delete(openLogs.logs, a.dir)
	}
	openLogs.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			errs = append(errs, err)
		}
		a.file = nil
	}
	if a.index != nil {
		if err := a.index.close(); err != nil {
			errs = append(errs, err)
		}
		a.index = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing audit log: %w", errors.Join(errs...))
	}
	return nil
}

// Path returns the location of the JSONL file.
func (a *Log) Path() string { return a.path }

// Tip returns the hash the next entry will reference.
func (a *Log) Tip() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tip
}

// Len returns the number of records in the log.
func (a *Log) Len() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// OnAppend registers fn to be called with every entry persisted after the
// call. Callbacks run synchronously on the appending goroutine, one at a
// time and in chain order. They must not block or call back into the Log.
func (a *Log) OnAppend(fn func(Entry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

// Append records rec as the next entry of the chain. The returned entry
// has been written and fsynced. On any failure the file is left at its
// previous length and the chain tip is unchanged.
func (a *Log) Append(ctx context.Context, rec Record) (Entry, error) {
	start := time.Now()

	e, err := a.prepare(ctx, rec)
	if err != nil {
		telemetry.AuditAppendFailuresTotal.Inc()
		return Entry{}, err
	}

	a.mu.Lock()
	if a.file == nil {
		a.mu.Unlock()
		telemetry.AuditAppendFailuresTotal.Inc()
		return Entry{}, ErrClosed
	}

	e.Timestamp = time.Now().UTC().Format(timestampLayout)
	e.PreviousHash = a.tip
	if e.Hash, err = computeHash(&e); err != nil {
		a.mu.Unlock()
		telemetry.AuditAppendFailuresTotal.Inc()
		return Entry{}, err
	}

	line, err := json.Marshal(&e)
	if err != nil {
		a.mu.Unlock()
		telemetry.AuditAppendFailuresTotal.Inc()
		return Entry{}, fmt.Errorf("marshaling audit entry: %w", err)
	}
	line = append(line, '\n')

	end, err := a.writeLine(line)
	if err != nil {
		a.mu.Unlock()
		telemetry.AuditAppendFailuresTotal.Inc()
		slog.Error("audit write failed", "event_id", e.EventID, "error", err)
		return Entry{}, err
	}

	a.size = end
	a.seq++
	a.tip = e.Hash
	if a.index != nil {
		a.index.insert(a.seq, &e, line[:len(line)-1])
	}
	seq := a.seq
	subs := a.subscribers
	a.notifyMu.Lock()
	a.mu.Unlock()

	telemetry.AuditAppendsTotal.WithLabelValues(e.ActionType).Inc()
	telemetry.AuditAppendDuration.Observe(time.Since(start).Seconds())
	telemetry.AuditChainEntries.Set(float64(seq))

	for _, fn := range subs {
		fn(e)
	}
	a.notifyMu.Unlock()
	return e, nil
}

// prepare builds everything about an entry that does not depend on the
// chain position. Runs outside the append lock.
func (a *Log) prepare(ctx context.Context, rec Record) (Entry, error) {
	if rec.Confidence != nil && (math.IsNaN(*rec.Confidence) || math.IsInf(*rec.Confidence, 0)) {
		return Entry{}, fmt.Errorf("confidence must be a finite number, got %v", *rec.Confidence)
	}

	inputs, err := normalize(rec.Inputs)
	if err != nil {
		return Entry{}, fmt.Errorf("serializing inputs: %w", err)
	}
	inputsHash, err := Digest(inputs)
	if err != nil {
		return Entry{}, fmt.Errorf("hashing inputs: %w", err)
	}
	output, err := normalize(rec.Output)
	if err != nil {
		return Entry{}, fmt.Errorf("serializing output: %w", err)
	}

	metadata := rec.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return Entry{
		EventID:         uuid.NewString(),
		Actor:           rec.Actor,
		ActionType:      rec.ActionType,
		InputsHash:      inputsHash,
		InputsPreview:   a.preview(inputs),
		OutputPreview:   a.preview(output),
		OutputType:      outputType(output),
		ConfidenceScore: rec.Confidence,
		Metadata:        metadata,
		RequestID:       RequestIDFrom(ctx),
	}, nil
}

// writeLine appends data, fsyncs and returns the new end of file. The
// starting offset is taken from the file itself, not from a.size, so lines
// another writer added since Open are never cut off by a rollback.
// Caller must hold a.mu.
func (a *Log) writeLine(data []byte) (int64, error) {
	info, err := a.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("checking audit file: %w", err)
	}
	base := info.Size()

	if _, err := a.file.Write(data); err != nil {
		a.rollback(base)
		return 0, fmt.Errorf("writing audit entry: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		a.rollback(base)
		return 0, fmt.Errorf("syncing audit entry: %w", err)
	}
	return base + int64(len(data)), nil
}

// rollback cuts the file back to offset, dropping a partial write.
func (a *Log) rollback(offset int64) {
	if err := a.file.Truncate(offset); err != nil {
		slog.Error("audit rollback failed", "offset", offset, "error", err)
	}
}

// VerifyChain reads every record in the file and checks the hash chain,
// including lines written by other processes. Only a final line without a
// newline is skipped, since that is an append still in flight.
func (a *Log) VerifyChain() (VerifyResult, error) {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{Valid: true, Issues: []Issue{}, LastHash: GenesisHash}, nil
		}
		return VerifyResult{}, fmt.Errorf("opening audit log %s: %w", a.path, err)
	}
	defer f.Close()

	result, err := verifyReader(f, true)
	if err != nil {
		return VerifyResult{}, err
	}

	outcome := "valid"
	if !result.Valid {
		outcome = "invalid"
	}
	telemetry.AuditVerifyRunsTotal.WithLabelValues(outcome).Inc()
	for _, issue := range result.Issues {
		telemetry.AuditVerifyIssuesTotal.WithLabelValues(string(issue.Kind)).Inc()
	}
	return result, nil
}

// Query returns entries matching params, most recent first.
func (a *Log) Query(params QueryParams) ([]Entry, error) {
	since, err := parseSince(params.Since, time.Now())
	if err != nil {
		return nil, err
	}
	params.Since = since

	if idx := a.currentIndex(); idx != nil {
		return idx.query(params)
	}
	return scanFiltered(a.path, params)
}

// Tail returns the last limit entries in chronological order.
func (a *Log) Tail(limit int) ([]Entry, error) {
	entries, err := a.Query(QueryParams{Limit: limit})
	if err != nil {
		return nil, err
	}
	return chronological(entries), nil
}

// Follow calls fn for every entry appended to the file after Follow
// starts, including entries written by other processes. Blocks until ctx
// is cancelled.
func (a *Log) Follow(ctx context.Context, fn func(Entry)) error {
	return FollowFile(ctx, a.path, fn)
}

// Export writes all entries to w. Supported formats: "jsonl" (default),
// "json", "csv".
func (a *Log) Export(w io.Writer, format string) error {
	return ExportFile(w, a.path, format)
}

// The *File functions below read a log without opening it for writing.
// They never truncate a torn tail, so they are safe to run from another
// process while a server is appending; an in-flight final line is simply
// not returned yet.

// QueryFile is Query over the file at path, without the index.
func QueryFile(path string, params QueryParams) ([]Entry, error) {
	since, err := parseSince(params.Since, time.Now())
	if err != nil {
		return nil, err
	}
	params.Since = since
	return scanFiltered(path, params)
}

// TailFile is Tail over the file at path. A limit of 0 returns every entry.
func TailFile(path string, limit int) ([]Entry, error) {
	entries, err := scanFiltered(path, QueryParams{Limit: limit})
	if err != nil {
		return nil, err
	}
	return chronological(entries), nil
}

// FollowFile is Follow over the file at path.
func FollowFile(ctx context.Context, path string, fn func(Entry)) error {
	offset := int64(0)
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, next, err := readFrom(path, offset)
			if err != nil {
				slog.Error("follow: error reading entries", "error", err)
				continue
			}
			offset = next
			for _, e := range entries {
				fn(e)
			}
		}
	}
}

// ExportFile is Export over the file at path.
func ExportFile(w io.Writer, path, format string) error {
	entries, err := readEntriesFromFile(path)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []Entry{}
		}
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write([]string{"timestamp", "event_id", "actor", "action_type", "output_type", "confidence_score", "request_id", "previous_hash", "hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			confidence := ""
			if e.ConfidenceScore != nil {
				confidence = strconv.FormatFloat(*e.ConfidenceScore, 'f', -1, 64)
			}
			if err := cw.Write([]string{
				e.Timestamp, e.EventID, e.Actor, e.ActionType, e.OutputType,
				confidence, e.RequestID, e.PreviousHash, e.Hash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

func (a *Log) currentIndex() *sqliteIndex {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index
}

// recoverState scans the existing file to find the record count and the
// chain tip. A final line without a newline was never acknowledged to a
// caller, so it is cut off rather than extended.
func (a *Log) recoverState() error {
	f, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening audit file %s: %w", a.path, err)
	}
	defer f.Close()

	var (
		committed int64
		lastLine  []byte
	)
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				slog.Warn("discarding torn audit record", "path", a.path, "offset", committed, "bytes", len(line))
				if terr := os.Truncate(a.path, committed); terr != nil {
					return fmt.Errorf("truncating torn audit record: %w", terr)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("reading audit file %s: %w", a.path, err)
		}
		committed += int64(len(line))
		a.seq++
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			lastLine = trimmed
		}
	}
	a.size = committed

	if lastLine == nil {
		return nil
	}
	var last struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(lastLine, &last); err != nil || last.Hash == "" {
		return fmt.Errorf("%w: %s: last record has no readable hash", ErrCorruptTail, a.path)
	}
	a.tip = last.Hash
	return nil
}

// catchUpIndex inserts records the index is missing. If the index claims
// more records than the file holds it was built from a different file and
// is rebuilt from scratch.
func (a *Log) catchUpIndex() error {
	have := a.index.lastSeq()
	if have == a.seq {
		return nil
	}
	if have > a.seq {
		slog.Warn("audit index ahead of log, rebuilding", "index", have, "log", a.seq)
		if err := a.index.reset(); err != nil {
			return err
		}
		have = 0
	}

	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	inserted := 0
	for seq := uint64(1); ; seq++ {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if seq <= have {
			continue
		}
		line = bytes.TrimRight(line, "\r\n")
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("skipping malformed audit record while indexing", "seq", seq, "error", err)
			continue
		}
		a.index.insert(seq, &e, line)
		inserted++
	}
	slog.Info("audit index caught up", "inserted", inserted)
	return nil
}

// parseSince converts a duration ("1h") or RFC 3339 timestamp into the
// fixed-width layout entries use, so it can be compared as a string.
func parseSince(since string, now time.Time) (string, error) {
	if since == "" {
		return "", nil
	}
	if strings.Contains(since, "T") {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return "", fmt.Errorf("invalid since timestamp %q: %w", since, err)
		}
		return t.UTC().Format(timestampLayout), nil
	}
	d, err := time.ParseDuration(since)
	if err != nil {
		return "", fmt.Errorf("invalid since duration %q: %w", since, err)
	}
	return now.UTC().Add(-d).Format(timestampLayout), nil
}

// scanFiltered applies params by reading the whole file, newest first.
// Used when the SQLite index is disabled and by the *File readers.
func scanFiltered(path string, params QueryParams) ([]Entry, error) {
	entries, err := readEntriesFromFile(path)
	if err != nil {
		return nil, err
	}

	filtered := []Entry{}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if params.ActionType != "" && e.ActionType != params.ActionType {
			continue
		}
		if params.Actor != "" && e.Actor != params.Actor {
			continue
		}
		if params.Since != "" && e.Timestamp < params.Since {
			continue
		}
		filtered = append(filtered, e)
		if params.Limit > 0 && len(filtered) >= params.Limit {
			break
		}
	}
	return filtered, nil
}

// chronological reverses a newest-first slice in place.
func chronological(entries []Entry) []Entry {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// readEntriesFromFile reads all parseable entries in file order.
// Malformed lines are skipped; VerifyChain is where they get reported.
func readEntriesFromFile(path string) ([]Entry, error) {
	entries, _, err := readFrom(path, 0)
	return entries, err
}

// readFrom parses the complete lines that start at or after offset and
// returns the offset just past the last complete line.
func readFrom(path string, offset int64) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	var entries []Entry
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, offset, err
		}
		offset += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("skipping malformed audit entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, offset, nil
}
