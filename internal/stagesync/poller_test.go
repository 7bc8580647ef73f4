// internal/stagesync/poller_test.go
package stagesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Corphon/MCConsole/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestPollerFetchState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/state", r.URL.Path)
		writeEnvelope(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    snapshot(true, true, &mcItem),
		})
	}))
	defer srv.Close()

	snap, err := NewPoller(srv.URL+"/", nil).FetchState(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.IsRunning)
	assert.True(t, snap.VoiceSessionActive)
	require.NotNil(t, snap.CurrentItem)
	assert.True(t, snap.CurrentItem.IsMCTime())
	assert.Equal(t, "두에나", snap.Settings.MCName)
}

func TestPollerFetchStateErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   map[string]string{"code": "STORAGE_FAILED", "message": "disk"},
		})
	}))
	defer srv.Close()

	_, err := NewPoller(srv.URL, nil).FetchState(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_FAILED")
}

func TestPollerRunSkipsFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 第二次请求失败
		if atomic.AddInt32(&calls, 1) == 2 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		writeEnvelope(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data":    snapshot(true, false, &mcItem),
		})
	}))
	defer srv.Close()

	poller := NewPoller(srv.URL, nil)
	poller.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []models.Snapshot
	done := make(chan error, 1)
	go func() {
		done <- poller.Run(ctx, func(ctx context.Context, snap models.Snapshot) {
			mu.Lock()
			received = append(received, snap)
			if len(received) == 3 {
				cancel()
			}
			mu.Unlock()
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 3)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(4))
}
