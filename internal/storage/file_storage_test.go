// internal/storage/file_storage_test.go
package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveAndLoadJSONFile(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.SaveJSONFile("doc.json", doc{Name: "a", Count: 2}))
	assert.FileExists(t, fs.Path("doc.json"))

	var got doc
	require.NoError(t, fs.LoadJSONFile("doc.json", &got))
	assert.Equal(t, doc{Name: "a", Count: 2}, got)

	// 临时文件不应残留
	_, err = os.Stat(fs.Path("doc.json") + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFile(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	_, err = fs.LoadTextFile("missing.json")
	assert.ErrorIs(t, err, ErrNotExist)
	assert.NoFileExists(t, fs.Path("missing.json"))
}

func TestLoadCorruptJSON(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0644))

	var got doc
	err = fs.LoadJSONFile("bad.json", &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotExist)
}

func TestConcurrentWritesLeaveValidDocument(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, fs.SaveJSONFile("doc.json", doc{Name: "w", Count: n}))
		}(i)
	}
	wg.Wait()

	var got doc
	require.NoError(t, fs.LoadJSONFile("doc.json", &got))
	assert.Equal(t, "w", got.Name)
}
