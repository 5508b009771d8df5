// Package pipeline drives one harvesting run through its stages:
// fetch every registered endpoint, encode what was fetched, publish what was
// encoded. Each stage starts only after the previous one fully succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/periscope-ps/peri-client-scripts/pkg/artifact"
	"github.com/periscope-ps/peri-client-scripts/pkg/command"
	"github.com/periscope-ps/peri-client-scripts/pkg/config"
	"github.com/periscope-ps/peri-client-scripts/pkg/fetch"
	"github.com/periscope-ps/peri-client-scripts/pkg/metrics"
	"github.com/periscope-ps/peri-client-scripts/pkg/publish"
	"github.com/periscope-ps/peri-client-scripts/pkg/registry"
	"github.com/periscope-ps/peri-client-scripts/pkg/stage"
)

// Encoder converts a raw artifact into canonical form.
type Encoder interface {
	Encode(ctx context.Context, id string, raw artifact.Artifact) (artifact.Artifact, error)
}

// Publisher sends canonical artifacts to the catalog.
type Publisher interface {
	PublishAll(ctx context.Context, arts map[string]artifact.Artifact) ([]publish.Result, error)
}

// Config wires a Coordinator.
type Config struct {
	Registry  *registry.Registry
	Fetcher   fetch.Fetcher
	Encoder   Encoder
	Publisher Publisher
	Store     *artifact.Store

	Workers   int // <= 0 means one per CPU
	BatchSize int // <= 0 means stage.DefaultBatchSize

	// Skip reports fetch errors that exclude an endpoint instead of aborting.
	// nil means errors.Is(err, fetch.ErrNoTopology).
	Skip func(error) bool

	// OnTransition, if set, is called after every state change.
	OnTransition func(from, to State)

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Coordinator runs the stages in order. It is single-use.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	state State
	walk  []State
}

// New validates cfg and returns an idle Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil || cfg.Registry.Len() == 0 {
		return nil, &config.ConfigError{Msg: "nothing to pull", Err: registry.ErrEmpty}
	}
	switch {
	case cfg.Fetcher == nil:
		return nil, fmt.Errorf("fetcher must not be nil")
	case cfg.Encoder == nil:
		return nil, fmt.Errorf("encoder must not be nil")
	case cfg.Publisher == nil:
		return nil, fmt.Errorf("publisher must not be nil")
	case cfg.Store == nil:
		return nil, fmt.Errorf("artifact store must not be nil")
	}
	if cfg.Skip == nil {
		cfg.Skip = func(err error) bool { return errors.Is(err, fetch.ErrNoTopology) }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Coordinator{cfg: cfg, log: log, state: Idle, walk: []State{Idle}}
	cfg.Metrics.SetState(int(Idle))
	return c, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transitions returns every state visited so far, starting with Idle.
func (c *Coordinator) Transitions() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.walk...)
}

func (c *Coordinator) moveTo(to State) {
	c.mu.Lock()
	from := c.state
	if !canMove(from, to) {
		c.mu.Unlock()
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", from, to))
	}
	c.state = to
	c.walk = append(c.walk, to)
	c.mu.Unlock()

	c.cfg.Metrics.SetState(int(to))
	c.log.Info("pipeline state", "from", from, "to", to)
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(from, to)
	}
}

// Run executes the pipeline once. The returned report is never nil. Every
// temporary artifact is released before Run returns, whatever the outcome,
// unless the store was told to keep them.
func (c *Coordinator) Run(ctx context.Context) (rep *Report, err error) {
	rep = &Report{
		RunID:     c.cfg.Store.RunID(),
		Started:   time.Now(),
		Fetched:   []string{},
		Encoded:   []string{},
		Published: []publish.Result{},
		Durations: map[string]float64{},
	}
	if c.State() != Idle {
		rep.State = c.State()
		return rep, fmt.Errorf("pipeline already ran (state %s)", c.State())
	}

	defer func() {
		if cerr := c.cfg.Store.Close(); cerr != nil {
			c.log.Warn("releasing artifacts", "error", cerr)
		}
		rep.State = c.State()
		rep.ExitCode = ExitCode(err)
		if err != nil {
			rep.Error = err.Error()
		}
		rep.Finished = time.Now()
		c.log.Info("pipeline finished", "run", rep.RunID, "state", rep.State,
			"exit_code", rep.ExitCode, "elapsed", rep.Finished.Sub(rep.Started))
	}()

	opts := func() stage.Options[artifact.Artifact] {
		return stage.Options[artifact.Artifact]{
			Workers:   c.cfg.Workers,
			BatchSize: c.cfg.BatchSize,
			Discard:   c.discard,
			Logger:    c.log,
			Metrics:   c.cfg.Metrics,
		}
	}

	// ─── fetch ───
	c.moveTo(Fetching)
	eps := c.cfg.Registry.Endpoints()
	items := make([]stage.Item[registry.Endpoint], len(eps))
	for i, ep := range eps {
		items[i] = stage.Item[registry.Endpoint]{ID: ep.ID, In: ep}
	}
	fo := opts()
	fo.Skip = c.cfg.Skip
	start := time.Now()
	fetched, err := stage.Run(ctx, "fetch", items,
		func(ctx context.Context, _ string, ep registry.Endpoint) (artifact.Artifact, error) {
			return c.cfg.Fetcher.Fetch(ctx, ep)
		}, fo)
	rep.Durations["fetch"] = time.Since(start).Seconds()
	if err != nil {
		c.moveTo(Aborted)
		return rep, err
	}
	rep.Fetched = sortedKeys(fetched.Outputs)
	if len(fetched.Skipped) > 0 {
		rep.Skipped = make(map[string]string, len(fetched.Skipped))
		for id, e := range fetched.Skipped {
			rep.Skipped[id] = e.Error()
		}
	}

	// ─── encode ───
	c.moveTo(Encoding)
	raws := make([]stage.Item[artifact.Artifact], 0, len(fetched.Outputs))
	for _, id := range rep.Fetched {
		raws = append(raws, stage.Item[artifact.Artifact]{ID: id, In: fetched.Outputs[id]})
	}
	start = time.Now()
	encoded, err := stage.Run(ctx, "encode", raws, c.cfg.Encoder.Encode, opts())
	rep.Durations["encode"] = time.Since(start).Seconds()
	if err != nil {
		c.moveTo(Aborted)
		return rep, err
	}
	rep.Encoded = sortedKeys(encoded.Outputs)
	for _, raw := range fetched.Outputs {
		c.discard(raw.Owner, raw)
	}

	// ─── publish ───
	c.moveTo(Publishing)
	start = time.Now()
	results, err := c.cfg.Publisher.PublishAll(ctx, encoded.Outputs)
	rep.Durations["publish"] = time.Since(start).Seconds()
	if results != nil {
		rep.Published = results
	}
	// publishing never aborts: whatever was attempted stays published
	c.moveTo(Done)
	return rep, err
}

func (c *Coordinator) discard(id string, a artifact.Artifact) {
	if err := c.cfg.Store.Release(a); err != nil {
		c.log.Warn("releasing artifact", "endpoint", id, "file", a.Path, "error", err)
	}
}

// ExitCode maps a Run error to a process exit status: 0 on success, the
// tool's own status when an external command failed, 2 for configuration
// problems, and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := command.Code(err); ok && code > 0 {
		return code
	}
	var ce *config.ConfigError
	var ve registry.ValidationErrors
	if errors.As(err, &ce) || errors.As(err, &ve) || errors.Is(err, registry.ErrEmpty) {
		return 2
	}
	return 1
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
