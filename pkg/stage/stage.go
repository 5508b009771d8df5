// Package stage runs one pipeline stage: the same work function over a set
// of independent items, fanned out to a bounded number of workers and fanned
// back in to a single id-keyed result.
//
// Items are grouped into fixed-size batches and each batch runs on one
// worker. Results are consumed as they complete. The first hard failure
// cancels the stage context, Run waits for every worker to return, outputs
// already produced are handed to Options.Discard, and the failure is
// returned alone. A stage never returns a partial result.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/periscope-ps/peri-client-scripts/pkg/metrics"
)

// DefaultBatchSize is the number of items handed to a worker at once.
const DefaultBatchSize = 4

// ErrDuplicateItem is returned when two items share an id.
var ErrDuplicateItem = errors.New("duplicate work item")

// Item is one unit of work.
type Item[In any] struct {
	ID string
	In In
}

// Func processes one item.
type Func[In, Out any] func(ctx context.Context, id string, in In) (Out, error)

// Options tune a stage run. The zero value is usable.
type Options[Out any] struct {
	Workers   int // <= 0 means runtime.NumCPU()
	BatchSize int // <= 0 means DefaultBatchSize

	// Skip reports errors that exclude an item without failing the stage.
	Skip func(error) bool
	// Discard receives outputs that will not be returned because the stage
	// failed.
	Discard func(id string, out Out)

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Result is the outcome of a successful stage.
type Result[Out any] struct {
	Outputs map[string]Out
	Skipped map[string]error
}

// Failure is the single error a failed stage reports.
type Failure struct {
	Stage  string
	ItemID string // "" when the stage was cancelled from outside
	Err    error
}

func (f *Failure) Error() string {
	if f.ItemID == "" {
		return fmt.Sprintf("%s stage: %v", f.Stage, f.Err)
	}
	return fmt.Sprintf("%s stage failed on %q: %v", f.Stage, f.ItemID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

type outcome[Out any] struct {
	id      string
	out     Out
	skipErr error
}

// Run executes work over items. name labels logs and metrics.
func Run[In, Out any](ctx context.Context, name string, items []Item[In], work Func[In, Out], opts Options[Out]) (Result[Out], error) {
	res := Result[Out]{Outputs: make(map[string]Out, len(items)), Skipped: make(map[string]error)}
	if len(items) == 0 {
		return res, nil
	}

	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if seen[it.ID] {
			return Result[Out]{}, &Failure{Stage: name, ItemID: it.ID, Err: ErrDuplicateItem}
		}
		seen[it.ID] = true
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("stage", name)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	batches := Batch(items, opts.BatchSize)
	start := time.Now()
	defer func() { opts.Metrics.StageDone(name, time.Since(start)) }()

	log.Info("stage starting", "items", len(items), "batches", len(batches), "workers", workers)

	// Buffered for every item so no worker ever blocks on delivery.
	done := make(chan outcome[Out], len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, batch := range batches {
		g.Go(func() error {
			for _, it := range batch {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := work(gctx, it.ID, it.In)
				if err == nil {
					opts.Metrics.ItemDone(name, metrics.OutcomeSuccess)
					log.Debug("item done", "endpoint", it.ID)
					done <- outcome[Out]{id: it.ID, out: out}
					continue
				}
				if opts.Skip != nil && opts.Skip(err) {
					opts.Metrics.ItemDone(name, metrics.OutcomeSkipped)
					log.Error("item skipped", "endpoint", it.ID, "error", err)
					done <- outcome[Out]{id: it.ID, skipErr: err}
					continue
				}
				if gctx.Err() == nil {
					// a sibling's failure cancels gctx; only the first real
					// failure is counted
					opts.Metrics.ItemDone(name, metrics.OutcomeFailure)
					log.Error("item failed", "endpoint", it.ID, "error", err)
				}
				return &Failure{Stage: name, ItemID: it.ID, Err: err}
			}
			return nil
		})
	}
	err := g.Wait()
	close(done)

	if err != nil {
		discarded := 0
		for o := range done {
			if o.skipErr == nil && opts.Discard != nil {
				opts.Discard(o.id, o.out)
				discarded++
			}
		}
		var f *Failure
		if !errors.As(err, &f) {
			f = &Failure{Stage: name, Err: err}
		}
		log.Error("stage failed", "endpoint", f.ItemID, "discarded", discarded, "error", f.Err)
		return Result[Out]{}, f
	}

	for o := range done {
		if o.skipErr != nil {
			res.Skipped[o.id] = o.skipErr
			continue
		}
		res.Outputs[o.id] = o.out
	}
	if len(res.Outputs)+len(res.Skipped) != len(items) {
		// every item either succeeded, was skipped, or failed the stage
		return Result[Out]{}, &Failure{Stage: name, Err: fmt.Errorf("lost results: %d of %d items accounted for",
			len(res.Outputs)+len(res.Skipped), len(items))}
	}
	log.Info("stage complete", "outputs", len(res.Outputs), "skipped", len(res.Skipped), "elapsed", time.Since(start))
	return res, nil
}

// Batch splits items into consecutive groups of at most size items.
func Batch[In any](items []Item[In], size int) [][]Item[In] {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]Item[In]
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n:n])
		items = items[n:]
	}
	return out
}
