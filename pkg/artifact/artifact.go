// Package artifact manages the on-disk intermediate documents handed from
// one pipeline stage to the next.
//
// Every artifact of a run lives in a single run directory owned by a Store.
// Closing the Store removes whatever is still there, so callers get release
// on every outcome by deferring Close once.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Kind distinguishes raw fetch output from encoded output.
type Kind string

const (
	KindRaw       Kind = "raw"
	KindCanonical Kind = "canonical"
)

// ErrClosed is returned by Store methods after Close.
var ErrClosed = errors.New("artifact store closed")

// Artifact is a handle to one document on disk.
type Artifact struct {
	Owner string // endpoint id
	Kind  Kind
	Path  string
}

// Store allocates uniquely named artifact files under one run directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	runID  string
	live   map[string]Artifact // path → artifact
	keep   bool
	closed bool
}

// NewStore creates a run directory under parent ("" means os.TempDir()).
func NewStore(parent string) (*Store, error) {
	runID := uuid.NewString()
	dir, err := os.MkdirTemp(parent, "topopull-"+runID[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir, runID: runID, live: make(map[string]Artifact)}, nil
}

// Dir returns the run directory.
func (s *Store) Dir() string { return s.dir }

// RunID returns the UUID that names this run.
func (s *Store) RunID() string { return s.runID }

// Create allocates an empty artifact file and returns its handle.
func (s *Store) Create(owner string, kind Kind) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Artifact{}, ErrClosed
	}
	f, err := os.CreateTemp(s.dir, string(kind)+"-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("allocate %s artifact for %q: %w", kind, owner, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return Artifact{}, fmt.Errorf("allocate %s artifact for %q: %w", kind, owner, err)
	}
	a := Artifact{Owner: owner, Kind: kind, Path: f.Name()}
	s.live[a.Path] = a
	return a, nil
}

// Write allocates an artifact and fills it from r.
func (s *Store) Write(owner string, kind Kind, r io.Reader) (Artifact, error) {
	a, err := s.Create(owner, kind)
	if err != nil {
		return Artifact{}, err
	}
	f, err := os.OpenFile(a.Path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		_ = s.Release(a)
		return Artifact{}, fmt.Errorf("open artifact %s: %w", a.Path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = s.Release(a)
		return Artifact{}, fmt.Errorf("write artifact %s: %w", a.Path, err)
	}
	if err := f.Close(); err != nil {
		_ = s.Release(a)
		return Artifact{}, fmt.Errorf("close artifact %s: %w", a.Path, err)
	}
	return a, nil
}

// Open opens an artifact for reading.
func (s *Store) Open(a Artifact) (*os.File, error) {
	return os.Open(a.Path)
}

// ReadAll returns the exact bytes of an artifact.
func (s *Store) ReadAll(a Artifact) ([]byte, error) {
	return os.ReadFile(a.Path)
}

// Release deletes one artifact. Releasing an unknown or already released
// artifact is a no-op.
func (s *Store) Release(a Artifact) error {
	s.mu.Lock()
	_, ok := s.live[a.Path]
	delete(s.live, a.Path)
	keep := s.keep
	s.mu.Unlock()
	if !ok || keep {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release %s: %w", a.Path, err)
	}
	return nil
}

// Len reports how many artifacts are still live.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Live returns the live artifacts ordered by path.
func (s *Store) Live() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Artifact, 0, len(s.live))
	for _, a := range s.live {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Keep makes Release and Close leave files on disk.
func (s *Store) Keep() {
	s.mu.Lock()
	s.keep = true
	s.mu.Unlock()
}

// Close releases every live artifact and removes the run directory.
// Individual failures are aggregated.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := make([]Artifact, 0, len(s.live))
	for _, a := range s.live {
		live = append(live, a)
	}
	s.live = make(map[string]Artifact)
	keep := s.keep
	s.mu.Unlock()

	if keep {
		return nil
	}

	var result *multierror.Error
	for _, a := range live {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("release %s: %w", a.Path, err))
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		result = multierror.Append(result, fmt.Errorf("remove %s: %w", filepath.Clean(s.dir), err))
	}
	return result.ErrorOrNil()
}
