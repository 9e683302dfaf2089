package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m4xw311/iabuilder/errors"
)

// DefaultDir is where sessions are stored, relative to the project root.
var DefaultDir = filepath.Join(".iabuilder", "sessions")

// Session is the persisted form of a conversation: the transcript plus the
// model identity it was running against. Usage windows are never persisted.
type Session struct {
	Name     string        `json:"name"`
	Identity ModelIdentity `json:"identity"`
	Messages []Message     `json:"messages"`
	path     string
}

// New creates a new, unsaved session in dir.
func New(dir, name string) (*Session, error) {
	path, err := sessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	return &Session{
		Name:     name,
		Messages: []Message{},
		path:     path,
	}, nil
}

// Load reads an existing session from dir.
func Load(dir, name string) (*Session, error) {
	path, err := sessionPath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	s.path = path
	return &s, nil
}

// List returns the names of the sessions stored in dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not list sessions in %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// Save writes the session to disk. The file is replaced atomically so a
// crash never leaves a half-written transcript behind.
func (s *Session) Save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write session %s", s.Name)
	}
	return errors.Wrapf(os.Rename(tmp, s.path), "failed to replace session %s", s.Name)
}

// Path returns the file the session is saved to.
func (s *Session) Path() string { return s.path }

func sessionPath(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", errors.New("invalid session name %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return filepath.Join(dir, fmt.Sprintf("%s.json", name)), nil
}
