package experience

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Persisted file names within the memory directory.
const (
	journalFile     = "journal.jsonl"
	experiencesFile = "experiences.json"
	clustersFile    = "clusters.json"
	profilesFile    = "user_profiles.json"
)

// journalEntry is one append-only event. Cluster and profile entries carry
// full snapshots of the mutated record, so replay is a plain overwrite.
type journalEntry struct {
	Op         string                 `json:"op"` // experience | cluster | profile | delete
	Experience *Experience            `json:"experience,omitempty"`
	Cluster    *Cluster               `json:"cluster,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Profile    *UserProfile           `json:"profile,omitempty"`
	IDs        []string               `json:"ids,omitempty"`
}

// journal is the write-ahead log for the experience store. Every mutation
// is appended and fsynced before being considered durable; Compact folds
// the log into whole-state snapshots and truncates it.
type journal struct {
	path    string
	f       *os.File
	entries int
}

func openJournal(dir string) (*journal, error) {
	path := filepath.Join(dir, journalFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &journal{path: path, f: f}, nil
}

// append writes one entry and syncs it to disk.
func (j *journal) append(e journalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.entries++
	return nil
}

// replay reads the journal from disk and applies each entry. Truncated
// trailing lines (from a crash mid-write) are skipped.
func replayJournal(dir string, apply func(journalEntry)) (int, error) {
	path := filepath.Join(dir, journalFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open journal for replay: %w", err)
	}
	defer func() { _ = f.Close() }()

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// Partial last line after a crash; stop replay here.
			break
		}
		apply(e)
		count++
	}
	return count, scanner.Err()
}

// truncate resets the journal to empty after a compaction.
func (j *journal) truncate() error {
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("truncate journal: %w", err)
	}
	j.f = f
	j.entries = 0
	return nil
}

func (j *journal) close() error {
	return j.f.Close()
}

// writeSnapshot marshals v to path atomically (temp file + rename).
func writeSnapshot(dir, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp := filepath.Join(dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// readSnapshot unmarshals path into v; a missing file is not an error.
func readSnapshot(dir, name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}
