// Package secretsfile loads the global name->secret map at
// secrets.yml (spec.md §6), used to resolve a JobDefinition's declared
// secret names into values for the runner descriptor (spec.md §4.6).
// Parsed with gopkg.in/yaml.v3 directly, same as job definitions --
// the YAML parser is an external collaborator per spec.md §1, not
// something this package reimplements.
package secretsfile

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store holds the secrets.yml contents in memory, reloadable on
// demand. It is not watched; callers reload explicitly (e.g. once per
// check-in, or on a timer) since secrets rotate far less often than
// job definitions.
type Store struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// Load reads and parses path. A missing file yields an empty store
// rather than an error, since secrets.yml is optional.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads secrets.yml from disk.
func (s *Store) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.values = map[string]string{}
			s.mu.Unlock()
			return nil
		}
		return err
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return err
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Resolve maps declared secret names to their values. Names absent
// from secrets.yml map to "", per spec.md §4.6.
func (s *Store) Resolve(names []string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = s.values[name]
	}
	return out
}
