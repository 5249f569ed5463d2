package spool_test

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/api-gateway/internal/spool"
)

func TestSpool_WritesAndRewinds(t *testing.T) {
	dir := t.TempDir()
	m := spool.New(dir)

	content := []byte("hello upload")
	f, err := m.Spool("tenant-1", ".txt", bytes.NewReader(content), 1024)
	require.NoError(t, err)
	defer f.Cleanup()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSpool_RejectsOversizedUpload(t *testing.T) {
	dir := t.TempDir()
	m := spool.New(dir)

	_, err := m.Spool("tenant-1", ".txt", bytes.NewReader(bytes.Repeat([]byte("a"), 100)), 10)
	assert.ErrorIs(t, err, spool.ErrTooLarge)
}

func TestCleanup_RemovesFile(t *testing.T) {
	dir := t.TempDir()
	m := spool.New(dir)

	f, err := m.Create("tenant-1", ".png")
	require.NoError(t, err)
	path := f.Path

	f.Cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
