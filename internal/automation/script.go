//go:build !no_automation

package automation

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Script is a single automation script stored on disk.
type Script struct {
	ID       string `json:"id"` // filename stem (no .lua)
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	LuaCode  string `json:"lua_code"`
	FilePath string `json:"-"`
}

// Manager loads automation scripts from a directory. Scripts are plain
// .lua files; an optional "-- name: ..." header comment sets the display
// name and a "-- disabled" header line keeps a script from starting.
type Manager struct {
	dir string
	mu  sync.RWMutex
}

// NewManager creates a script manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// List returns all scripts found in the directory.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lua") {
			continue
		}
		s, err := m.parseFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

// Get returns one script by id.
func (m *Manager) Get(id string) (*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return nil, fmt.Errorf("invalid script id %q", id)
	}
	return m.parseFile(filepath.Join(m.dir, id+".lua"))
}

func (m *Manager) parseFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	s := &Script{
		ID:       strings.TrimSuffix(filepath.Base(path), ".lua"),
		Enabled:  true,
		LuaCode:  string(data),
		FilePath: path,
	}
	s.Name = s.ID

	// Header comments end at the first non-comment line.
	scanner := bufio.NewScanner(strings.NewReader(s.LuaCode))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "--") {
			break
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "--"))
		if name, ok := strings.CutPrefix(body, "name:"); ok {
			s.Name = strings.TrimSpace(name)
		}
		if body == "disabled" {
			s.Enabled = false
		}
	}
	return s, nil
}
