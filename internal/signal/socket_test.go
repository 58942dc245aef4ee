package signal_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatr4661-cell/callkit/internal/signal"
)

// streamServer is a bare WebSocket endpoint that hands the server side of
// each accepted stream to the test, so it can be dropped on demand.
func streamServer(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts, conns
}

func TestSocketStoreStreamLossInvokesFailureCallback(t *testing.T) {
	ts, conns := streamServer(t)
	store := signal.NewSocketStore(ts.URL, "test-token")

	down := make(chan error, 1)
	dispose, err := store.Subscribe(context.Background(), "call-1",
		func(signal.Signal) {},
		func(err error) { down <- err })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer dispose()

	// Server drops the stream mid-subscription.
	serverConn := <-conns
	_ = serverConn.Close()

	select {
	case err := <-down:
		if err == nil {
			t.Fatal("failure callback invoked with nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream loss never reported")
	}
}

func TestSocketStoreDisposeDoesNotReportFailure(t *testing.T) {
	ts, conns := streamServer(t)
	store := signal.NewSocketStore(ts.URL, "test-token")

	down := make(chan error, 1)
	dispose, err := store.Subscribe(context.Background(), "call-1",
		func(signal.Signal) {},
		func(err error) { down <- err })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-conns

	dispose()
	dispose() // safe to call twice

	select {
	case err := <-down:
		t.Fatalf("dispose reported a failure: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}
