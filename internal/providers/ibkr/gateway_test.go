package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// fakeBridge is a minimal in-process gateway: it answers "echo" with the
// request params and "fail" with an error frame.
func fakeBridge(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			var req request
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			resp := response{ID: req.ID}
			switch req.Method {
			case "fail":
				resp.Error = "no data farm connection"
			default:
				params, _ := json.Marshal(req.Params)
				resp.Result = params
			}
			if err := wsjson.Write(ctx, conn, resp); err != nil {
				return
			}
		}
	}))
}

func gatewaySettingsFor(srv *httptest.Server) string {
	// httptest URL is http://127.0.0.1:PORT; the gateway dials ws://host:port/ws.
	hostPort := strings.TrimPrefix(srv.URL, "http://")
	parts := strings.Split(hostPort, ":")
	return fmt.Sprintf(`{"host":%q,"port":%s,"timeout_seconds":5}`, parts[0], parts[1])
}

func TestGateway_CallRoundTrip(t *testing.T) {
	srv := fakeBridge(t)
	defer srv.Close()

	gw, err := NewGateway(gatewaySettingsFor(srv), zerolog.Nop())
	require.NoError(t, err)
	defer gw.Close()

	assert.True(t, gw.IsConnected())

	raw, err := gw.Call(context.Background(), "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "world", got["hello"])
}

func TestGateway_ConcurrentCallsMatchByID(t *testing.T) {
	srv := fakeBridge(t)
	defer srv.Close()

	gw, err := NewGateway(gatewaySettingsFor(srv), zerolog.Nop())
	require.NoError(t, err)
	defer gw.Close()

	results := make(chan string, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			raw, err := gw.Call(context.Background(), "echo", map[string]int{"n": n})
			if err != nil {
				results <- err.Error()
				return
			}
			var got map[string]int
			_ = json.Unmarshal(raw, &got)
			results <- fmt.Sprintf("%d=%d", n, got["n"])
		}(i)
	}
	for i := 0; i < 10; i++ {
		r := <-results
		parts := strings.Split(r, "=")
		require.Len(t, parts, 2, "unexpected result %q", r)
		assert.Equal(t, parts[0], parts[1])
	}
}

func TestGateway_ErrorFrame(t *testing.T) {
	srv := fakeBridge(t)
	defer srv.Close()

	gw, err := NewGateway(gatewaySettingsFor(srv), zerolog.Nop())
	require.NoError(t, err)
	defer gw.Close()

	_, err = gw.Call(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data farm connection")
}

func TestGateway_CloseIsIdempotent(t *testing.T) {
	srv := fakeBridge(t)
	defer srv.Close()

	gw, err := NewGateway(gatewaySettingsFor(srv), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, gw.Close())
	require.NoError(t, gw.Close())
	assert.False(t, gw.IsConnected())

	_, err = gw.Call(context.Background(), "echo", nil)
	require.Error(t, err)
}

func TestGateway_ServerDropMarksDisconnected(t *testing.T) {
	srv := fakeBridge(t)

	gw, err := NewGateway(gatewaySettingsFor(srv), zerolog.Nop())
	require.NoError(t, err)
	defer gw.Close()

	srv.CloseClientConnections()
	srv.Close()

	// The reader notices the drop shortly after.
	require.Eventually(t, func() bool {
		return !gw.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "down", string(gw.Health().Status))
}

func TestGateway_DialFailure(t *testing.T) {
	_, err := NewGateway(`{"host":"127.0.0.1","port":1,"timeout_seconds":1}`, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to dial")
}
