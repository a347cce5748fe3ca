package analyzer

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"skillscan/internal/classify"
	"skillscan/internal/keypool"
	"skillscan/internal/logging"
	"skillscan/internal/results"
	"skillscan/internal/task"
)

// Summary aggregates per-category counts for one batch run.
type Summary struct {
	Safe       int
	Suspicious int
	Malicious  int
	Error      int
	ByReason   map[string]int
}

// Total returns the number of tasks counted.
func (s Summary) Total() int {
	return s.Safe + s.Suspicious + s.Malicious + s.Error
}

// Add increments the counter for one outcome.
func (s *Summary) Add(c results.Category, reason string) {
	switch c {
	case results.CategorySafe:
		s.Safe++
	case results.CategorySuspicious:
		s.Suspicious++
	case results.CategoryMalicious:
		s.Malicious++
	default:
		s.Error++
	}
	if reason != "" {
		if s.ByReason == nil {
			s.ByReason = make(map[string]int)
		}
		s.ByReason[reason]++
	}
}

// Options configures a Runner.
type Options struct {
	Workers int           // bounded concurrency, >= 1
	Stagger time.Duration // optional delay between task submissions
}

// taskOutcome flows from workers to the single aggregator.
type taskOutcome struct {
	identity string
	category results.Category
	reason   string
}

// Runner is the worker pool executor for the analysis stage. It exclusively
// owns the lifecycle of each task from dispatch to result record creation.
type Runner struct {
	client Client
	pool   *keypool.Pool // nil disables credential rotation
	store  *results.Store
	opts   Options
}

// NewRunner creates a Runner. pool may be nil.
func NewRunner(client Client, pool *keypool.Pool, store *results.Store, opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Runner{client: client, pool: pool, store: store, opts: opts}
}

// Run consumes the TODO list with a fixed-size worker pool. No task's
// success or failure affects any other task; counter updates are serialized
// through a single aggregator goroutine. There is no ordering guarantee on
// task completion.
func (r *Runner) Run(ctx context.Context, tasks []task.Task) (Summary, error) {
	if err := r.store.EnsureDirs(); err != nil {
		return Summary{}, err
	}

	outcomes := make(chan taskOutcome, r.opts.Workers)
	done := make(chan Summary, 1)

	// Single consumer: the only writer to the counters.
	go func() {
		var sum Summary
		for o := range outcomes {
			sum.Add(o.category, o.reason)
			logging.Analyzer("[%d] %s -> %s %s", sum.Total(), o.identity, o.category, o.reason)
		}
		done <- sum
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	for _, t := range tasks {
		t := t
		if r.opts.Stagger > 0 {
			time.Sleep(r.opts.Stagger)
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			outcomes <- r.runOne(gctx, t)
			return nil
		})
	}

	err := g.Wait()
	close(outcomes)
	sum := <-done

	if err != nil && !errors.Is(err, context.Canceled) {
		return sum, err
	}
	return sum, nil
}

// runOne executes a single task end to end: credential acquisition, tool
// invocation, classification, persistence.
func (r *Runner) runOne(ctx context.Context, t task.Task) taskOutcome {
	identity := t.Identity()

	// Best effort: an unconfigured pool means the tool's ambient credential
	// is used, never an aborted task.
	credential := ""
	if r.pool != nil {
		cred, err := r.pool.Acquire()
		switch {
		case errors.Is(err, keypool.ErrNoCredentials):
			logging.PoolDebug("Pool empty, %s proceeds with ambient credential", identity)
		case err != nil:
			logging.Get(logging.CategoryPool).Warn("Credential acquisition failed for %s: %v", identity, err)
		default:
			credential = cred.Token
		}
	}

	raw, err := r.client.Analyze(ctx, t, credential)
	if err != nil || strings.TrimSpace(raw) == "" {
		msg := "empty response"
		if err != nil {
			msg = err.Error()
		}
		logging.AnalyzerError("Tool failure for %s: %s", identity, msg)
		r.persist(identity, results.CategoryError, results.ReasonToolFailure, []byte(msg))
		return taskOutcome{identity: identity, category: results.CategoryError, reason: results.ReasonToolFailure}
	}

	out := classify.Normalize(raw)
	r.persist(identity, out.Category, out.Reason, out.Payload)
	return taskOutcome{identity: identity, category: out.Category, reason: out.Reason}
}

// persist writes the record; a storage failure is logged but the outcome
// still counts, keeping the failure task-local.
func (r *Runner) persist(identity string, c results.Category, reason string, payload []byte) {
	if err := r.store.Write(identity, c, reason, payload); err != nil {
		logging.AnalyzerError("Failed to persist %s record for %s: %v", c, identity, err)
	}
}
