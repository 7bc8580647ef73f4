// internal/services/playbook_service_test.go
package services

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/Corphon/MCConsole/internal/errors"
	"github.com/Corphon/MCConsole/internal/models"
	"github.com/Corphon/MCConsole/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlaybookService(t *testing.T) (*PlaybookService, *storage.FileStorage) {
	t.Helper()
	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	svc, err := NewPlaybookService(fs)
	require.NoError(t, err)
	return svc, fs
}

func strPtr(s string) *string { return &s }

func TestPlaybookDefaultPersistedWhenMissing(t *testing.T) {
	svc, fs := newTestPlaybookService(t)

	items, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPlaybook(), items)
	assert.FileExists(t, fs.Path(PlaybookFile))
}

func TestPlaybookDefaultWhenCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PlaybookFile), []byte("{not json"), 0644))

	fs, err := storage.NewFileStorage(dir)
	require.NoError(t, err)
	svc, err := NewPlaybookService(fs)
	require.NoError(t, err)

	items, _ := svc.Load()
	assert.Equal(t, DefaultPlaybook(), items)

	// 回退后的默认文档已经写回磁盘
	reloaded, err := NewPlaybookService(fs)
	require.NoError(t, err)
	again, _ := reloaded.Load()
	assert.Equal(t, DefaultPlaybook(), again)
}

func TestPlaybookSaveLoadRoundTrip(t *testing.T) {
	svc, fs := newTestPlaybookService(t)
	want := []models.PlaybookItem{
		models.NewSessionItem("s1", "Keynote", "desc"),
		models.NewMcTimeItem("m1", "MC", "script", "instruction"),
		models.NewMcTimeItem("m2", "MC 2", "", ""),
	}
	require.NoError(t, svc.Save(want))

	got, err := svc.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	fresh, err := NewPlaybookService(fs)
	require.NoError(t, err)
	persisted, _ := fresh.Load()
	assert.Equal(t, want, persisted)
}

func TestPlaybookSaveEmpty(t *testing.T) {
	svc, _ := newTestPlaybookService(t)
	require.NoError(t, svc.Save(nil))

	items, err := svc.Load()
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestPlaybookLoadReturnsCopy(t *testing.T) {
	svc, _ := newTestPlaybookService(t)
	items, _ := svc.Load()
	items[0].Title = "changed"

	again, _ := svc.Load()
	assert.NotEqual(t, "changed", again[0].Title)
}

func TestPlaybookImportRejectsNonArray(t *testing.T) {
	svc, _ := newTestPlaybookService(t)
	before, _ := svc.Load()

	_, err := svc.Import([]byte(`{"id":"a","type":"MC_TIME"}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidationError(err))
	assert.Contains(t, err.Error(), "Playbook must be an array")

	after, _ := svc.Load()
	assert.Equal(t, before, after)
}

func TestPlaybookImportIsAllOrNothing(t *testing.T) {
	svc, _ := newTestPlaybookService(t)
	before, _ := svc.Load()

	cases := map[string]string{
		"bad type":      `[{"id":"a","type":"MC_TIME","title":"ok"},{"id":"b","type":"BREAK","title":"x"}]`,
		"missing id":    `[{"id":"","type":"SESSION","title":"x"}]`,
		"duplicate id":  `[{"id":"a","type":"SESSION"},{"id":"a","type":"SESSION"}]`,
		"stray field":   `[{"id":"a","type":"MC_TIME","description":"nope"}]`,
		"null item":     `[null]`,
		"invalid json":  `[{"id":"a",`,
		"empty payload": ``,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Import([]byte(doc))
			require.Error(t, err)
			assert.True(t, apperrors.IsValidationError(err))

			after, _ := svc.Load()
			assert.Equal(t, before, after)
		})
	}
}

func TestPlaybookImportReplaces(t *testing.T) {
	svc, _ := newTestPlaybookService(t)
	items, err := svc.Import([]byte(`[
		{"id":"x","type":"SESSION","title":"Break","description":"coffee"},
		{"id":"y","type":"MC_TIME","title":"Closing","script":"bye","systemInstruction":"be warm"}
	]`))
	require.NoError(t, err)
	require.Len(t, items, 2)

	loaded, _ := svc.Load()
	assert.Equal(t, items, loaded)
	mc, ok := loaded[1].McTime()
	require.True(t, ok)
	assert.Equal(t, "be warm", mc.SystemInstruction)
}

func TestPlaybookAddItem(t *testing.T) {
	svc, _ := newTestPlaybookService(t)

	item, err := svc.AddItem(ItemDraft{Type: models.SegmentSession, Title: strPtr("Panel")})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.SegmentSession, item.Type())

	other, err := svc.AddItem(ItemDraft{Type: models.SegmentSession})
	require.NoError(t, err)
	assert.NotEqual(t, item.ID, other.ID)

	items, _ := svc.Load()
	assert.Equal(t, item, items[len(items)-2])

	_, err = svc.AddItem(ItemDraft{Type: "BREAK"})
	assert.True(t, apperrors.IsValidationError(err))

	_, err = svc.AddItem(ItemDraft{Type: models.SegmentMCTime, Description: strPtr("x")})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestPlaybookUpdateItem(t *testing.T) {
	svc, _ := newTestPlaybookService(t)

	updated, err := svc.UpdateItem("mc_1", ItemDraft{Script: strPtr("new script")})
	require.NoError(t, err)
	mc, _ := updated.McTime()
	assert.Equal(t, "new script", mc.Script)
	assert.NotEmpty(t, mc.SystemInstruction)

	_, err = svc.UpdateItem("mc_1", ItemDraft{Type: models.SegmentSession})
	assert.True(t, apperrors.IsValidationError(err))

	_, err = svc.UpdateItem("session_1", ItemDraft{Script: strPtr("x")})
	assert.True(t, apperrors.IsValidationError(err))

	_, err = svc.UpdateItem("missing", ItemDraft{Title: strPtr("x")})
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestPlaybookDeleteItem(t *testing.T) {
	svc, _ := newTestPlaybookService(t)
	require.NoError(t, svc.DeleteItem("mc_1"))

	items, _ := svc.Load()
	require.Len(t, items, 1)
	assert.Equal(t, "session_1", items[0].ID)

	assert.True(t, apperrors.IsNotFoundError(svc.DeleteItem("mc_1")))
}

func TestPlaybookMoveItem(t *testing.T) {
	svc, _ := newTestPlaybookService(t)

	items, err := svc.MoveItem("session_1", MoveUp)
	require.NoError(t, err)
	assert.Equal(t, "session_1", items[0].ID)
	assert.Equal(t, "mc_1", items[1].ID)

	// 边界上移动不做改动
	items, err = svc.MoveItem("session_1", MoveUp)
	require.NoError(t, err)
	assert.Equal(t, "session_1", items[0].ID)

	items, err = svc.MoveItem("mc_1", MoveDown)
	require.NoError(t, err)
	assert.Equal(t, "mc_1", items[1].ID)

	_, err = svc.MoveItem("mc_1", "sideways")
	assert.True(t, apperrors.IsValidationError(err))
}

func TestSamplePlaybookIsValid(t *testing.T) {
	svc, _ := newTestPlaybookService(t)
	sample := SamplePlaybook()
	assert.Len(t, sample, 3)
	assert.NoError(t, svc.Validate(sample))
}
