package logger

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotator_RotatesPastMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	r := NewRotator(path, 0, 2)
	r.MaxSize = 10
	defer r.Close()

	_, err := r.Write([]byte("12345678\n"))
	require.NoError(t, err)
	_, err = r.Write([]byte("abcdefgh\n"))
	require.NoError(t, err)
	_, err = r.Write([]byte("ABCDEFGH\n"))
	require.NoError(t, err)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEFGH\n", string(current))

	first, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh\n", string(first))

	second, err := os.ReadFile(path + ".2")
	require.NoError(t, err)
	assert.Equal(t, "12345678\n", string(second))
}

func TestRotator_AppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0644))

	r := NewRotator(path, 1, 1)
	defer r.Close()
	_, err := r.Write([]byte("new\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\nnew\n", string(data))
}

func TestDebugf_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	defer SetLevel("INFO")

	SetLevel("INFO")
	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	SetLevel("debug")
	Debugf("shown %d", 2)
	assert.True(t, strings.Contains(buf.String(), "[DEBUG] shown 2"))
}
