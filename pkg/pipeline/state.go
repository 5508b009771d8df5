package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/periscope-ps/peri-client-scripts/pkg/publish"
)

// State is a Coordinator lifecycle state.
type State int

const (
	Idle State = iota
	Fetching
	Encoding
	Publishing
	Done
	Aborted
)

var stateNames = [...]string{"idle", "fetching", "encoding", "publishing", "done", "aborted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Done || s == Aborted }

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// next lists the legal successors of each state.
var next = map[State][]State{
	Idle:       {Fetching},
	Fetching:   {Encoding, Aborted},
	Encoding:   {Publishing, Aborted},
	Publishing: {Done},
}

func canMove(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Report summarises one run.
type Report struct {
	RunID     string             `json:"run_id"`
	State     State              `json:"state"`
	ExitCode  int                `json:"exit_code"`
	Error     string             `json:"error,omitempty"`
	Started   time.Time          `json:"started"`
	Finished  time.Time          `json:"finished"`
	Fetched   []string           `json:"fetched"`
	Skipped   map[string]string  `json:"skipped,omitempty"`
	Encoded   []string           `json:"encoded"`
	Published []publish.Result   `json:"published"`
	Durations map[string]float64 `json:"durations_seconds"`
}

// Save writes the report as indented JSON.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("report write: %w", err)
	}
	return nil
}

// LoadReport reads a report written by Save.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report read: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report unmarshal: %w", err)
	}
	return &r, nil
}
