// Package spool keeps the offline queue across agent restarts as a gzip
// compressed JSONL file.
package spool

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/edamame-systems/edamame-stack/common/models"
)

const fileName = "queue.jsonl.gz"

// Spool stores queued log entries in one file under dir.
type Spool struct {
	dir string
}

func New(dir string) *Spool {
	return &Spool{dir: dir}
}

// Path returns the spool file location.
func (s *Spool) Path() string {
	return filepath.Join(s.dir, fileName)
}

// Save replaces the spool file with entries. With no entries any previous
// file is removed.
func (s *Spool) Save(entries []models.LogEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove spool: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, fileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp, entries); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close spool file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path()); err != nil {
		return fmt.Errorf("failed to move spool file into place: %w", err)
	}
	return nil
}

func write(w io.Writer, entries []models.LogEntry) error {
	bw := bufio.NewWriter(w)
	gz := gzip.NewWriter(bw)
	enc := json.NewEncoder(gz)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("failed to encode spooled entry: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress spool: %w", err)
	}
	return bw.Flush()
}

// Load reads the spool file and removes it. A missing file yields no
// entries. If the file is truncated, the entries decoded before the damage
// are returned together with the error.
func (s *Spool) Load() ([]models.LogEntry, error) {
	f, err := os.Open(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	entries, readErr := read(f)
	f.Close()

	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return entries, fmt.Errorf("failed to remove spool: %w", err)
	}
	return entries, readErr
}

func read(r io.Reader) ([]models.LogEntry, error) {
	gz, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("failed to open spool stream: %w", err)
	}
	defer gz.Close()

	var entries []models.LogEntry
	dec := json.NewDecoder(gz)
	for {
		var e models.LogEntry
		err := dec.Decode(&e)
		if err != nil {
			// The decoder reports a cut-off stream as EOF or a syntax error;
			// gzip keeps the real error.
			if _, gzErr := io.Copy(io.Discard, gz); gzErr != nil {
				return entries, fmt.Errorf("spool truncated after %d entries: %w", len(entries), gzErr)
			}
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, fmt.Errorf("failed to decode spooled entry %d: %w", len(entries)+1, err)
		}
		entries = append(entries, e)
	}
}
