package ipc

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.sock")
	srv := NewServer(path, handler, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, path
}

func TestRoundTrip(t *testing.T) {
	_, path := startServer(t, func(req Request) Reply {
		assert.Equal(t, CmdGetRegime, req.Type)
		return Success(req, map[string]interface{}{"regime": "bullish", "exposure": "80-100%"})
	})

	reply, err := NewClient(path, time.Second).Send(CmdGetRegime, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, reply.Status)
	assert.Equal(t, "bullish", reply.Data["regime"])
}

func TestRequestDataPassedThrough(t *testing.T) {
	_, path := startServer(t, func(req Request) Reply {
		return Success(req, map[string]interface{}{"symbol": req.Data["symbol"]})
	})

	reply, err := NewClient(path, time.Second).Send(CmdForceCheck, map[string]interface{}{"symbol": "NVDA"})
	require.NoError(t, err)
	assert.Equal(t, "NVDA", reply.Data["symbol"])
}

func TestErrorReply(t *testing.T) {
	_, path := startServer(t, func(req Request) Reply {
		return Errorf(req, "unknown command %s", req.Type)
	})

	reply, err := NewClient(path, time.Second).Send("BOGUS", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, reply.Status)
	assert.Contains(t, reply.Error, "BOGUS")
}

func TestSequentialClients(t *testing.T) {
	var mu sync.Mutex
	served := 0
	_, path := startServer(t, func(req Request) Reply {
		mu.Lock()
		served++
		mu.Unlock()
		return Success(req, nil)
	})

	client := NewClient(path, time.Second)
	for i := 0; i < 5; i++ {
		reply, err := client.Send(CmdGetStatus, nil)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, reply.Status)
	}
	mu.Lock()
	assert.Equal(t, 5, served)
	mu.Unlock()
}

func TestHandlerPanicBecomesErrorReply(t *testing.T) {
	_, path := startServer(t, func(req Request) Reply {
		panic("boom")
	})

	reply, err := NewClient(path, time.Second).Send(CmdGetStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusError, reply.Status)
}

func TestShutdownReplyIsFast(t *testing.T) {
	_, path := startServer(t, func(req Request) Reply {
		r := Success(req, nil)
		r.Message = "Shutdown initiated"
		return r
	})

	started := time.Now()
	reply, err := NewClient(path, time.Second).Send(CmdShutdown, nil)
	require.NoError(t, err)
	assert.Equal(t, "Shutdown initiated", reply.Message)
	assert.Less(t, time.Since(started), 100*time.Millisecond)
}

func TestStopRemovesSocket(t *testing.T) {
	srv, path := startServer(t, func(req Request) Reply { return Success(req, nil) })
	srv.Stop()

	_, err := NewClient(path, 200*time.Millisecond).Send(CmdGetStatus, nil)
	require.Error(t, err)
}

func TestStaleSocketReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.sock")

	first := NewServer(path, func(req Request) Reply { return Success(req, nil) }, zerolog.Nop())
	require.NoError(t, first.Start())
	first.Stop()

	second := NewServer(path, func(req Request) Reply { return Success(req, nil) }, zerolog.Nop())
	require.NoError(t, second.Start())
	defer second.Stop()

	reply, err := NewClient(path, time.Second).Send(CmdGetStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, reply.Status)
}
