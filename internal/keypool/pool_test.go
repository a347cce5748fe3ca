package keypool

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(t *testing.T, content string) *Pool {
	t.Helper()
	dir := t.TempDir()
	poolFile := filepath.Join(dir, "api_keys.conf")
	if content != "" {
		require.NoError(t, os.WriteFile(poolFile, []byte(content), 0644))
	}
	return New(poolFile, filepath.Join(dir, "cursor"), filepath.Join(dir, "pool.lock"))
}

func TestAcquireEmptyPool(t *testing.T) {
	p := newTestPool(t, "")
	_, err := p.Acquire()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestAcquireCommentOnlyPool(t *testing.T) {
	p := newTestPool(t, "# header\n\n   \n# another comment\n")
	_, err := p.Acquire()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestLoadSkipsCommentsAndParsesLabels(t *testing.T) {
	p := newTestPool(t, "# keys\nsk-one\nsk-two|backup account\n\n# end\n")
	creds, err := p.Load()
	require.NoError(t, err)

	require.Len(t, creds, 2)
	assert.Equal(t, "sk-one", creds[0].Token)
	assert.Equal(t, "sk-two", creds[1].Token)
	assert.Equal(t, "backup account", creds[1].Label)
}

func TestStrictRoundRobin(t *testing.T) {
	p := newTestPool(t, "k0\nk1\nk2\n")

	var got []string
	for i := 0; i < 7; i++ {
		c, err := p.Acquire()
		require.NoError(t, err)
		got = append(got, c.Token)
	}
	assert.Equal(t, []string{"k0", "k1", "k2", "k0", "k1", "k2", "k0"}, got)
	assert.Equal(t, 1, p.Cursor())
}

func TestAcquireSeesPoolFileChanges(t *testing.T) {
	p := newTestPool(t, "k0\nk1\n")

	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "k0", c.Token)

	// Each acquisition reads the pool file fresh, so a key added between
	// acquisitions joins the rotation at its position.
	require.NoError(t, os.WriteFile(p.poolFile, []byte("k0\nk1\nk2\n"), 0644))

	var got []string
	for i := 0; i < 3; i++ {
		c, err := p.Acquire()
		require.NoError(t, err)
		got = append(got, c.Token)
	}
	assert.Equal(t, []string{"k1", "k2", "k0"}, got)
}

func TestCursorSurvivesNewPoolInstance(t *testing.T) {
	p := newTestPool(t, "k0\nk1\n")
	_, err := p.Acquire()
	require.NoError(t, err)

	// A fresh Pool over the same files continues the sequence.
	p2 := New(p.poolFile, p.cursorFile, p.lockFile)
	c, err := p2.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "k1", c.Token)
}

func TestStaleCursorWraps(t *testing.T) {
	p := newTestPool(t, "k0\nk1\n")
	// Cursor left over from a larger pool.
	require.NoError(t, os.WriteFile(p.cursorFile, []byte("9"), 0644))

	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "k0", c.Token)
}

func TestConcurrentAcquireIsFair(t *testing.T) {
	p := newTestPool(t, "k0\nk1\nk2\nk3\n")

	const n = 40
	var wg sync.WaitGroup
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Acquire()
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			tokens[i] = c.Token
		}(i)
	}
	wg.Wait()

	// Order is nondeterministic but the distribution must be exactly even:
	// 40 acquisitions over 4 keys is 10 each.
	counts := map[string]int{}
	for _, tok := range tokens {
		counts[tok]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	require.Equal(t, []string{"k0", "k1", "k2", "k3"}, keys)
	for k, c := range counts {
		assert.Equalf(t, 10, c, "key %s acquired %d times", k, c)
	}
}
