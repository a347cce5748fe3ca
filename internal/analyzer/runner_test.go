package analyzer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"skillscan/internal/keypool"
	"skillscan/internal/results"
	"skillscan/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeClient returns canned outputs keyed by task name.
type fakeClient struct {
	mu       sync.Mutex
	outputs  map[string]string
	errs     map[string]error
	creds    []string
	inflight int64
	maxSeen  int64
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Analyze(ctx context.Context, t task.Task, credential string) (string, error) {
	cur := atomic.AddInt64(&f.inflight, 1)
	defer atomic.AddInt64(&f.inflight, -1)
	for {
		max := atomic.LoadInt64(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt64(&f.maxSeen, max, cur) {
			break
		}
	}

	f.mu.Lock()
	f.creds = append(f.creds, credential)
	f.mu.Unlock()

	if err, ok := f.errs[t.Name]; ok {
		return "", err
	}
	return f.outputs[t.Name], nil
}

func verdictJSON(status string) string {
	return fmt.Sprintf(`{"audit_summary":{"intent_alignment_status":%q}}`, status)
}

func makeTasks(names ...string) []task.Task {
	tasks := make([]task.Task, 0, len(names))
	for _, n := range names {
		tasks = append(tasks, task.Task{Name: n, Path: "/skills/" + n, Prompt: "audit " + n, RepoID: "r1"})
	}
	return tasks
}

func TestRunAggregatesCategories(t *testing.T) {
	client := &fakeClient{
		outputs: map[string]string{
			"a": verdictJSON("SAFE"),
			"b": verdictJSON("MALICIOUS"),
			"c": verdictJSON("SUSPICIOUS"),
			"d": "garbage output with no json",
		},
		errs: map[string]error{
			"e": &ToolError{Tool: "fake", Err: errors.New("exit status 1")},
		},
	}
	store := results.NewStore(t.TempDir())
	r := NewRunner(client, nil, store, Options{Workers: 3})

	sum, err := r.Run(context.Background(), makeTasks("a", "b", "c", "d", "e"))
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Safe)
	assert.Equal(t, 1, sum.Suspicious)
	assert.Equal(t, 1, sum.Malicious)
	assert.Equal(t, 2, sum.Error)
	assert.Equal(t, 5, sum.Total())
	assert.Equal(t, 1, sum.ByReason[results.ReasonInvalidJSON])
	assert.Equal(t, 1, sum.ByReason[results.ReasonToolFailure])

	// Records landed in the right category directories.
	assert.FileExists(t, store.Path("r1_a", results.CategorySafe, ""))
	assert.FileExists(t, store.Path("r1_b", results.CategoryMalicious, ""))
	assert.FileExists(t, store.Path("r1_e", results.CategoryError, results.ReasonToolFailure))
}

func TestRunEmptyOutputIsToolFailure(t *testing.T) {
	client := &fakeClient{outputs: map[string]string{"a": "   \n"}}
	store := results.NewStore(t.TempDir())
	r := NewRunner(client, nil, store, Options{Workers: 1})

	sum, err := r.Run(context.Background(), makeTasks("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Error)
	assert.Equal(t, 1, sum.ByReason[results.ReasonToolFailure])
}

func TestRunBoundsConcurrency(t *testing.T) {
	outputs := map[string]string{}
	names := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		n := fmt.Sprintf("s%d", i)
		names = append(names, n)
		outputs[n] = verdictJSON("SAFE")
	}
	client := &fakeClient{outputs: outputs}
	store := results.NewStore(t.TempDir())
	r := NewRunner(client, nil, store, Options{Workers: 4})

	_, err := r.Run(context.Background(), makeTasks(names...))
	require.NoError(t, err)
	assert.LessOrEqual(t, client.maxSeen, int64(4))
}

func TestRunProceedsWithoutCredentials(t *testing.T) {
	// Empty pool: acquisition fails with ErrNoCredentials and the task runs
	// with no credential override.
	dir := t.TempDir()
	pool := keypool.New(
		filepath.Join(dir, "missing.conf"),
		filepath.Join(dir, "cursor"),
		filepath.Join(dir, "lock"),
	)
	client := &fakeClient{outputs: map[string]string{"a": verdictJSON("SAFE")}}
	store := results.NewStore(t.TempDir())
	r := NewRunner(client, pool, store, Options{Workers: 1})

	sum, err := r.Run(context.Background(), makeTasks("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Safe)
	require.Len(t, client.creds, 1)
	assert.Empty(t, client.creds[0])
}

func TestRunRotatesCredentials(t *testing.T) {
	dir := t.TempDir()
	poolFile := filepath.Join(dir, "keys.conf")
	require.NoError(t, os.WriteFile(poolFile, []byte("k0\nk1\n"), 0644))
	pool := keypool.New(poolFile, filepath.Join(dir, "cursor"), filepath.Join(dir, "lock"))

	client := &fakeClient{outputs: map[string]string{
		"a": verdictJSON("SAFE"),
		"b": verdictJSON("SAFE"),
	}}
	store := results.NewStore(t.TempDir())
	// Single worker keeps acquisition order deterministic.
	r := NewRunner(client, pool, store, Options{Workers: 1})

	_, err := r.Run(context.Background(), makeTasks("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, []string{"k0", "k1"}, client.creds)
}
