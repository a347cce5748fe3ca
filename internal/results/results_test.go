package results

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndPath(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.EnsureDirs())

	require.NoError(t, s.Write("r1_skill", CategorySafe, "", []byte(`{"ok":true}`)))

	path := s.Path("r1_skill", CategorySafe, "")
	assert.Equal(t, filepath.Join(s.Root(), "SAFE", "r1_skill_audit.json"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
}

func TestErrorReasonSuffix(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.EnsureDirs())

	require.NoError(t, s.Write("r1_skill", CategoryError, ReasonInvalidJSON, []byte("not json")))

	path := s.Path("r1_skill", CategoryError, ReasonInvalidJSON)
	assert.Equal(t, filepath.Join(s.Root(), "ERROR", "r1_skill_audit.json.parse_err"), path)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestFirstWriterWins(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.EnsureDirs())

	require.NoError(t, s.Write("r1_skill", CategoryMalicious, "", []byte("first")))
	require.NoError(t, s.Write("r1_skill", CategoryMalicious, "", []byte("second")))

	data, err := os.ReadFile(s.Path("r1_skill", CategoryMalicious, ""))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestExists(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.EnsureDirs())

	assert.False(t, s.Exists("r1_skill"))
	require.NoError(t, s.Write("r1_skill", CategoryError, ReasonToolFailure, []byte("x")))
	assert.True(t, s.Exists("r1_skill"))
}

func TestIndexCompletedExcludesError(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.EnsureDirs())

	require.NoError(t, s.Write("r1_safe", CategorySafe, "", []byte("{}")))
	require.NoError(t, s.Write("r1_bad", CategoryMalicious, "", []byte("{}")))
	require.NoError(t, s.Write("r1_err", CategoryError, ReasonInvalidJSON, []byte("x")))

	idx, err := BuildIndex(s.Root())
	require.NoError(t, err)

	done := idx.Completed()
	assert.True(t, done["r1_safe"])
	assert.True(t, done["r1_bad"])
	// ERROR results are retried on the next pass, so they are not completed.
	assert.False(t, done["r1_err"])

	assert.Equal(t, 1, idx.Count(CategoryError))
	assert.ElementsMatch(t, []string{"r1_bad"}, idx.InCategory(CategoryMalicious))
}

func TestIndexMissingDirs(t *testing.T) {
	idx, err := BuildIndex(filepath.Join(t.TempDir(), "never-created"))
	require.NoError(t, err)
	assert.Empty(t, idx.Completed())
}

func TestClearAll(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.EnsureDirs())
	require.NoError(t, s.Write("r1_a", CategorySafe, "", []byte("{}")))
	require.NoError(t, s.Write("r1_b", CategoryError, ReasonToolFailure, []byte("x")))

	require.NoError(t, s.ClearAll())

	idx, err := BuildIndex(s.Root())
	require.NoError(t, err)
	for _, c := range Categories {
		assert.Zero(t, idx.Count(c))
	}
}
