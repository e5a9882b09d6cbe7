// Package events persists the append-only status log: one JSON object per
// line, sorted keys, LF-terminated. The log is the single source of truth;
// everything else in the system is derived from it.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"laneline/internal/domain"
)

const (
	// LogName is the fixed event-log filename inside a feature directory.
	LogName = "status.jsonl"
	// SnapshotName is the fixed materialized-snapshot filename.
	SnapshotName = "status_snapshot.json"
)

// ErrCorrupt marks any log line that fails to parse or validate. Callers must
// surface it; corrupt lines are never silently skipped.
var ErrCorrupt = errors.New("event log corrupt")

// CorruptionError identifies the exact unreadable line of a status log.
type CorruptionError struct {
	Path string
	Line int
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

func (e *CorruptionError) Unwrap() error { return e.Err }

// LogPath returns the event-log path for a feature directory.
func LogPath(dir string) string {
	return filepath.Join(dir, LogName)
}

// SnapshotPath returns the snapshot path for a feature directory.
func SnapshotPath(dir string) string {
	return filepath.Join(dir, SnapshotName)
}

// Append validates the event and writes it as one canonical JSON line with a
// single write-then-sync. Records are never edited in place.
func Append(dir string, ev domain.StatusEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	line, err := canonicalLine(ev)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	f, err := os.OpenFile(LogPath(dir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return f.Sync()
}

// ReadAll returns every event in physical log order. Blank lines are
// tolerated; anything else that fails JSON parsing or structural validation
// raises a CorruptionError with its 1-based line number.
func ReadAll(dir string) ([]domain.StatusEvent, error) {
	path := LogPath(dir)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []domain.StatusEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ev domain.StatusEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, &CorruptionError{Path: path, Line: lineNo, Err: err}
		}
		if err := ev.Validate(); err != nil {
			return nil, &CorruptionError{Path: path, Line: lineNo, Err: err}
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadRaw returns each non-blank log line decoded as a generic JSON object,
// without structural validation. The validation engine uses this to report
// schema findings instead of failing on first error.
func ReadRaw(dir string) ([]map[string]any, error) {
	path := LogPath(dir)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return nil, &CorruptionError{Path: path, Line: lineNo, Err: err}
		}
		out = append(out, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// canonicalLine marshals an event with its JSON keys in sorted order, so that
// the log format is deterministic regardless of which writer produced a line.
func canonicalLine(ev domain.StatusEvent) ([]byte, error) {
	buf, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(buf, &obj); err != nil {
		return nil, err
	}
	return marshalSorted(obj)
}

// marshalSorted renders a JSON object with recursively sorted keys and no
// HTML escaping.
func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := marshalScalar(k)
			if err != nil {
				return nil, err
			}
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			b.Write(ib)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return marshalScalar(v)
	}
}

func marshalScalar(v any) ([]byte, error) {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(b.String(), "\n")), nil
}
