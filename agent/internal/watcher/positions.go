package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// Positions remembers how far each log file has been read. With an empty
// path it only keeps offsets in memory.
type Positions struct {
	path    string
	mu      sync.Mutex
	offsets map[string]int64
}

// LoadPositions reads the positions file. A missing file is not an error.
func LoadPositions(path string) (*Positions, error) {
	p := &Positions{path: path, offsets: make(map[string]int64)}
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read positions file: %w", err)
	}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p.offsets); err != nil {
		return nil, fmt.Errorf("failed to parse positions file %s: %w", path, err)
	}
	return p, nil
}

func (p *Positions) Get(file string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	off, ok := p.offsets[file]
	return off, ok
}

func (p *Positions) Set(file string, offset int64) {
	p.mu.Lock()
	p.offsets[file] = offset
	p.mu.Unlock()
}

// Save writes the offsets atomically.
func (p *Positions) Save() error {
	if p.path == "" {
		return nil
	}

	p.mu.Lock()
	data, err := json.Marshal(p.offsets)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode positions: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create positions dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write positions: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write positions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write positions: %w", err)
	}
	return os.Rename(tmp.Name(), p.path)
}
