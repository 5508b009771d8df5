// Package registry holds the set of remote endpoints a pull run harvests.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrEmpty is returned when a registry would contain no endpoints.
var ErrEmpty = errors.New("registry has no endpoints")

// Endpoint is a remote aggregate manager or topology service.
type Endpoint struct {
	ID       string // URN-like identifier
	Location string // access URL
}

// EntryError describes one invalid registry entry.
type EntryError struct {
	ID      string
	Message string
}

func (e EntryError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("endpoint %q: %s", e.ID, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every invalid entry found in one pass.
type ValidationErrors []EntryError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("invalid registry (%d errors): %s", len(v), strings.Join(msgs, "; "))
}

// Registry is an immutable id → location mapping.
type Registry struct {
	endpoints []Endpoint // sorted by ID
	index     map[string]int
}

// New validates entries and builds a Registry. All invalid entries are
// reported together.
func New(entries map[string]string) (*Registry, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}

	var errs ValidationErrors
	eps := make([]Endpoint, 0, len(entries))
	for id, loc := range entries {
		id = strings.TrimSpace(id)
		loc = strings.TrimSpace(loc)
		if id == "" {
			errs = append(errs, EntryError{Message: fmt.Sprintf("empty identifier for location %q", loc)})
			continue
		}
		if msg := checkLocation(loc); msg != "" {
			errs = append(errs, EntryError{ID: id, Message: msg})
			continue
		}
		eps = append(eps, Endpoint{ID: id, Location: loc})
	}
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].ID < errs[j].ID })
		return nil, errs
	}

	sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })
	r := &Registry{endpoints: eps, index: make(map[string]int, len(eps))}
	for i, ep := range eps {
		if _, dup := r.index[ep.ID]; dup {
			return nil, ValidationErrors{{ID: ep.ID, Message: "duplicate identifier"}}
		}
		r.index[ep.ID] = i
	}
	return r, nil
}

func checkLocation(loc string) string {
	if loc == "" {
		return "empty location"
	}
	u, err := url.Parse(loc)
	if err != nil {
		return fmt.Sprintf("unparseable location %q: %v", loc, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Sprintf("location %q is not an absolute URL", loc)
	}
	return ""
}

// Endpoints returns the endpoints ordered by ID. The slice is a copy.
func (r *Registry) Endpoints() []Endpoint {
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// IDs returns the endpoint identifiers in order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.endpoints))
	for i, ep := range r.endpoints {
		ids[i] = ep.ID
	}
	return ids
}

// Lookup returns the endpoint registered under id.
func (r *Registry) Lookup(id string) (Endpoint, bool) {
	i, ok := r.index[id]
	if !ok {
		return Endpoint{}, false
	}
	return r.endpoints[i], true
}

// Len reports the number of endpoints.
func (r *Registry) Len() int { return len(r.endpoints) }
