package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

type chanBus struct {
	domain.SignalBus
	chans map[string]chan []byte
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	return b.chans[channel], nil
}

func TestHubRelaysSubscribedChannels(t *testing.T) {
	bus := &chanBus{chans: map[string]chan []byte{
		"positions": make(chan []byte, 4),
		"prices":    make(chan []byte, 4),
	}}
	hub := NewHub(bus, []string{"positions", "prices"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{"prices"}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.subscribed("prices")
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	bus.chans["prices"] <- []byte(`{"symbol":"SOLUSDT","price":101}`)
	bus.chans["positions"] <- []byte(`{"event":"position.opened"}`)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "positions", env.Channel)
	assert.JSONEq(t, `{"event":"position.opened"}`, string(env.Payload))
}

func TestBroadcastWrapsNonJSONPayload(t *testing.T) {
	hub := NewHub(&chanBus{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c := &client{hub: hub, send: make(chan []byte, 1), subs: map[string]bool{"prices": true}}
	hub.clients[c] = struct{}{}

	hub.Broadcast("prices", []byte("plain"))
	hub.Broadcast("positions", []byte(`{}`))

	require.Len(t, c.send, 1)
	assert.JSONEq(t, `{"channel":"prices","payload":"plain"}`, string(<-c.send))
}
