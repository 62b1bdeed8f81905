package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/storage"
)

// KeyPrefix prefixes every subject-role key in the state file
const KeyPrefix = "continuation_point_"

// JSONFile keeps cursors in a flat JSON object, one key per subject-role.
// Unknown keys in an existing file are preserved on write.
type JSONFile struct {
	path string
	mu   sync.Mutex
}

// NewJSONFile creates a backend for path; the file is created on first save
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

// Path returns the state file location
func (j *JSONFile) Path() string {
	return j.path
}

func (j *JSONFile) Load() (map[model.SubjectRole]time.Time, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw, err := j.read()
	if err != nil {
		return nil, err
	}

	out := make(map[model.SubjectRole]time.Time)
	for key, value := range raw {
		if !strings.HasPrefix(key, KeyPrefix) {
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return nil, model.ErrStateCorruption(key, "cursor is not a string", err)
		}
		t, err := ParseCursor(s)
		if err != nil {
			return nil, model.ErrStateCorruption(key, fmt.Sprintf("invalid cursor %q", s), err)
		}
		out[model.SubjectRole(strings.TrimPrefix(key, KeyPrefix))] = t
	}
	return out, nil
}

func (j *JSONFile) Save(role model.SubjectRole, cursor time.Time) error {
	return j.update(func(raw map[string]json.RawMessage) error {
		v, err := json.Marshal(FormatCursor(cursor))
		if err != nil {
			return err
		}
		raw[KeyPrefix+string(role)] = v
		return nil
	})
}

func (j *JSONFile) Delete(role model.SubjectRole) error {
	return j.update(func(raw map[string]json.RawMessage) error {
		delete(raw, KeyPrefix+string(role))
		return nil
	})
}

func (j *JSONFile) Close() error {
	return nil
}

func (j *JSONFile) update(fn func(map[string]json.RawMessage) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw, err := j.read()
	if err != nil {
		return err
	}
	if err := fn(raw); err != nil {
		return err
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(j.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (j *JSONFile) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return make(map[string]json.RawMessage), nil
	}

	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, model.ErrStateCorruption(j.path, "state file is not a JSON object", err)
	}
	return raw, nil
}

// ParseCursor accepts RFC 3339 timestamps with or without fractional seconds
func ParseCursor(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FormatCursor renders a cursor the way the state file stores it
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
