package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)
	server := NewWSServer(nil, nil)
	server.onAccept = func(handle ConnectionHandle, r *http.Request) {
		server.OnMessage(handle, func(b []byte) { received <- b })
	}

	ts := httptest.NewServer(server)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client := NewWSAdapter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handle, err := client.Connect(ctx, wsURL, nil)
	require.NoError(t, err)
	defer handle.Close("test done")

	require.NoError(t, client.Send(handle, []byte("hello")))

	select {
	case b := <-received:
		assert.Equal(t, "hello", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("message not received by server")
	}
}

func TestWebSocketOnCloseFiresOnRemoteClose(t *testing.T) {
	server := NewWSServer(nil, nil)
	var accepted ConnectionHandle
	acceptedCh := make(chan struct{})
	server.onAccept = func(handle ConnectionHandle, r *http.Request) {
		accepted = handle
		close(acceptedCh)
	}

	ts := httptest.NewServer(server)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	client := NewWSAdapter(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	handle, err := client.Connect(ctx, wsURL, nil)
	require.NoError(t, err)

	closed := make(chan struct{})
	client.OnClose(handle, func(reason error) { close(closed) })

	<-acceptedCh
	require.NoError(t, server.Send(accepted, []byte("ping")))
	require.NoError(t, accepted.Close("server done"))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client OnClose not invoked after server close")
	}
}
