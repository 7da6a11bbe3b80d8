package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookRecorder captures first/last transitions per community.
type hookRecorder struct {
	mu     sync.Mutex
	firsts []string
	lasts  []string
}

func (h *hookRecorder) onFirst(community string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.firsts = append(h.firsts, community)
}

func (h *hookRecorder) onLast(community string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lasts = append(h.lasts, community)
}

func (h *hookRecorder) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.firsts), len(h.lasts)
}

func dialClient(t *testing.T, hub *Hub, community string) *websocket.Conn {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, hub.ServeClient(w, r, community))
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, community string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return hub.ClientCount(community) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubAttachHooks(t *testing.T) {
	t.Run("first client fires onFirst, last disconnect fires onLast", func(t *testing.T) {
		rec := &hookRecorder{}
		hub := NewHub(nil, rec.onFirst, rec.onLast)
		defer hub.Close()

		first := dialClient(t, hub, "acme")
		waitForClients(t, hub, "acme", 1)

		second := dialClient(t, hub, "acme")
		waitForClients(t, hub, "acme", 2)

		firsts, _ := rec.counts()
		assert.Equal(t, 1, firsts)

		_ = second.Close()
		waitForClients(t, hub, "acme", 1)
		_, lasts := rec.counts()
		assert.Equal(t, 0, lasts)

		_ = first.Close()
		waitForClients(t, hub, "acme", 0)
		require.Eventually(t, func() bool {
			_, lasts := rec.counts()
			return lasts == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestHubBroadcast(t *testing.T) {
	t.Run("reaches clients of the community only", func(t *testing.T) {
		hub := NewHub(nil, nil, nil)
		defer hub.Close()

		acme := dialClient(t, hub, "acme")
		globex := dialClient(t, hub, "globex")
		waitForClients(t, hub, "acme", 1)
		waitForClients(t, hub, "globex", 1)

		hub.Broadcast("acme", map[string]string{"senderId": "USER-AB2"})

		require.NoError(t, acme.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := acme.ReadMessage()
		require.NoError(t, err)

		var payload map[string]string
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "USER-AB2", payload["senderId"])

		require.NoError(t, globex.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		_, _, err = globex.ReadMessage()
		assert.Error(t, err)
	})
}
