package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"game-dispatcher/api"
	"game-dispatcher/apperr"
	"game-dispatcher/codec"
	"game-dispatcher/config"
	"game-dispatcher/dispatcher"
	"game-dispatcher/gameserver"
	"game-dispatcher/message"
	"game-dispatcher/middleware"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestJoin_DecodesErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   apperr.Kind
	}{
		{name: "kind from body", status: http.StatusBadRequest, body: `{"error":{"code":"missing_identity","message":"uuid"}}`, kind: apperr.KindMissingIdentity},
		{name: "mismatch", status: http.StatusConflict, body: `{"error":{"code":"version_mismatch","message":"update"}}`, kind: apperr.KindVersionMismatch},
		{name: "status fallback", status: http.StatusServiceUnavailable, body: `upstream down`, kind: apperr.KindNoCapacity},
		{name: "unknown status", status: http.StatusTeapot, body: ``, kind: apperr.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Join(context.Background(), &message.JoinRequest{Version: 1, PlayerID: uuid.NewString()})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestJoin_SendsQuery(t *testing.T) {
	player := uuid.NewString()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/join", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("version"))
		assert.Equal(t, player, r.URL.Query().Get("uuid"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"backend":"b:1","address":"b:2","expires_at":"2026-01-01T00:00:00Z","reused":true}`))
	}))
	defer srv.Close()

	a, err := NewClient(srv.URL+"/", time.Second).Join(context.Background(), &message.JoinRequest{Version: 7, PlayerID: player})
	require.NoError(t, err)
	assert.Equal(t, "b:2", a.Address)
	assert.True(t, a.Reused)
}

func TestJoin_RetriedOnNoCapacity(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"code":"no_capacity","message":"full"}}`))
			return
		}
		w.Write([]byte(`{"backend":"b:1","address":"b:2"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	join := middleware.Chain(middleware.RetryMiddleware(3, time.Millisecond, zap.NewNop()))(c.Join)

	a, err := join(context.Background(), &message.JoinRequest{Version: 1, PlayerID: uuid.NewString()})
	require.NoError(t, err)
	assert.Equal(t, "b:2", a.Address)
	assert.EqualValues(t, 3, calls.Load())
}

func TestJoinAndPlay_EndToEnd(t *testing.T) {
	gs := gameserver.New(gameserver.Config{
		ControlAddr:    "127.0.0.1:0",
		GameAddr:       "127.0.0.1:0",
		Version:        2,
		Capacity:       1,
		ReportInterval: 20 * time.Millisecond,
		Codec:          codec.CodecTypeBinary,
	}, zaptest.NewLogger(t))
	require.NoError(t, gs.Start())
	t.Cleanup(func() { gs.Shutdown(time.Second) })

	cfg := config.Default()
	cfg.Backends = []string{gs.ControlAddr()}
	cfg.ReportInterval = 50 * time.Millisecond
	cfg.RateLimit.RPS = 0
	d, err := dispatcher.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Close)

	front := httptest.NewServer(api.NewHTTPServer(d, zaptest.NewLogger(t)).Handler())
	t.Cleanup(front.Close)
	c := NewClient(front.URL, 2*time.Second)

	require.Eventually(t, func() bool { return d.Stats().Selectable == 1 }, 3*time.Second, 10*time.Millisecond)

	_, err = c.Join(context.Background(), &message.JoinRequest{Version: 1, PlayerID: uuid.NewString()})
	assert.Equal(t, apperr.KindVersionMismatch, apperr.KindOf(err))

	req := &message.JoinRequest{Version: 2, PlayerID: uuid.NewString()}
	a, err := c.Join(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, gs.GameAddr(), a.Address)

	_, err = c.Join(context.Background(), &message.JoinRequest{Version: 2, PlayerID: uuid.NewString()})
	assert.Equal(t, apperr.KindNoCapacity, apperr.KindOf(err), "the only slot is reserved")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := c.Play(ctx, a, req)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return gs.Players() == 1 && d.Stats().Reservations == 0 }, 3*time.Second, 10*time.Millisecond)

	_, err = c.Play(ctx, a, &message.JoinRequest{Version: 2, PlayerID: uuid.NewString()})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, gameserver.ReplyFull, rejected.Reply)
}
