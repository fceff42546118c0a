// Package audit implements the tamper-evident, hash-chained audit trail.
//
// Every audited action is recorded as an Entry on its own line of an
// append-only JSONL file. Each entry carries the hash of the entry before
// it (previous_hash) and its own hash over every other field, so editing,
// inserting or removing a persisted line breaks the chain from that point.
//
// Hashes are hex SHA-256 digests of a canonical JSON serialization: keys
// sorted at every depth, compact separators, number literals preserved.
// Two logically identical maps therefore hash identically no matter how
// they were built.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// GenesisHash is the previous_hash of the first entry in a log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IssueKind classifies a problem found by chain verification.
type IssueKind string

const (
	IssueHashMismatch  IssueKind = "hash_mismatch"
	IssueBrokenChain   IssueKind = "broken_chain"
	IssueInvalidRecord IssueKind = "invalid_record"
)

// Issue is one problem found during verification. Index is the zero-based
// line position of the offending record.
type Issue struct {
	Index    int       `json:"index"`
	Kind     IssueKind `json:"kind"`
	Message  string    `json:"message"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
}

// VerifyResult holds the outcome of a full chain scan.
type VerifyResult struct {
	Valid    bool    `json:"valid"`
	Entries  int     `json:"entries"`
	Issues   []Issue `json:"issues"`
	LastHash string  `json:"last_hash"`
}

// normalize converts an arbitrary Go value into the generic JSON shape
// (map[string]any, []any, string, json.Number, bool, nil).
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeGeneric(data)
}

func decodeGeneric(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("unexpected data after JSON value")
	}
	return out, nil
}

// canonicalJSON returns the deterministic serialization used for hashing.
func canonicalJSON(v any) ([]byte, error) {
	generic, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing value: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalizing value: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Digest returns hex(SHA-256(canonicalJSON(v))).
func Digest(v any) (string, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// hashFields computes an entry hash from its decoded fields. The "hash"
// key itself is excluded; everything else, including keys this version
// does not know about, is covered.
func hashFields(fields map[string]any) (string, error) {
	body := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "hash" {
			continue
		}
		body[k] = v
	}
	return Digest(body)
}

// computeHash calculates the hash an entry should carry. It goes through
// the persisted JSON form so append and verify hash exactly the same bytes.
func computeHash(e *Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshaling entry: %w", err)
	}
	generic, err := decodeGeneric(data)
	if err != nil {
		return "", fmt.Errorf("decoding entry: %w", err)
	}
	return hashFields(generic.(map[string]any))
}

// VerifyFile scans the log at path and reports every integrity issue.
// A missing file is a valid, empty chain. Only I/O failures are returned
// as errors; malformed content is reported as issues.
func VerifyFile(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{Valid: true, Issues: []Issue{}, LastHash: GenesisHash}, nil
		}
		return VerifyResult{}, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()
	return verifyReader(f, false)
}

// verifyReader checks every line of r in order. The expected previous hash
// only advances on records that parse, so a malformed line is followed by
// a broken-chain report on the next good record unless that record links
// to the last good one.
//
// With skipPartial set, a final line without a trailing newline is left
// out: it is an append still being written.
func verifyReader(r io.Reader, skipPartial bool) (VerifyResult, error) {
	result := VerifyResult{Issues: []Issue{}}
	previous := GenesisHash

	br := bufio.NewReader(r)
	for i := 0; ; i++ {
		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			break
		}
		if err != nil && err != io.EOF {
			return VerifyResult{}, fmt.Errorf("reading audit log: %w", err)
		}
		if err == io.EOF && skipPartial {
			break
		}
		result.Entries++
		checkRecord(bytes.TrimRight(line, "\r\n"), i, &previous, &result)
		if err == io.EOF {
			break
		}
	}

	result.Valid = len(result.Issues) == 0
	result.LastHash = previous
	return result, nil
}

func checkRecord(line []byte, i int, previous *string, result *VerifyResult) {
	if len(bytes.TrimSpace(line)) == 0 {
		result.Issues = append(result.Issues, Issue{
			Index: i, Kind: IssueInvalidRecord, Message: "empty record",
		})
		return
	}

	generic, err := decodeGeneric(line)
	if err != nil {
		result.Issues = append(result.Issues, Issue{
			Index: i, Kind: IssueInvalidRecord, Message: "invalid JSON: " + err.Error(),
		})
		return
	}
	fields, ok := generic.(map[string]any)
	if !ok {
		result.Issues = append(result.Issues, Issue{
			Index: i, Kind: IssueInvalidRecord, Message: "record is not a JSON object",
		})
		return
	}

	prev, _ := fields["previous_hash"].(string)
	if prev != *previous {
		result.Issues = append(result.Issues, Issue{
			Index:    i,
			Kind:     IssueBrokenChain,
			Message:  fmt.Sprintf("broken chain: expected previous_hash %s, got %s", short(*previous), short(prev)),
			Expected: *previous,
			Actual:   prev,
		})
	}

	stored, _ := fields["hash"].(string)
	computed, err := hashFields(fields)
	if err != nil {
		result.Issues = append(result.Issues, Issue{
			Index: i, Kind: IssueInvalidRecord, Message: "cannot hash record: " + err.Error(),
		})
	} else if stored != computed {
		result.Issues = append(result.Issues, Issue{
			Index:    i,
			Kind:     IssueHashMismatch,
			Message:  "hash mismatch",
			Expected: computed,
			Actual:   stored,
		})
	}

	*previous = stored
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
