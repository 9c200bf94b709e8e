package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// streamServer accepts one connection, checks the subscribe request and then
// hands the connection to serve.
func streamServer(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var sub struct {
			Op   string          `json:"op"`
			Args []StreamRequest `json:"args"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Op != "subscribe" || len(sub.Args) != 1 || !sub.Args[0].IncludeOHLCV {
			t.Errorf("unexpected subscribe message: %+v", sub)
		}
		serve(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// go test -v --run TestSubscribeDeliversMessages
func TestSubscribeDeliversMessages(t *testing.T) {
	release := make(chan struct{})
	srv := streamServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe","success":true}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"price":101.5,"change":0.5,"timestamp":60500,"ohlcv":{"open_time":60000,"open":100,"high":102,"low":99,"close":101.5,"volume":3,"isClosed":false}}`))
		<-release
	})
	defer srv.Close()
	defer close(release)

	client := NewWSClient(wsURL(srv), 5*time.Second, 0, zap.NewNop())

	msgs := make(chan []byte, 4)
	sub, err := client.Subscribe(context.Background(),
		StreamRequest{Symbol: "BTCUSD", Interval: Interval1Min, IncludeOHLCV: true},
		func(b []byte) { msgs <- b },
		func(err error) { t.Errorf("unexpected onClose: %v", err) })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case msg := <-msgs:
		ev, err := ParseStreamEvent(msg)
		if err != nil {
			t.Fatalf("parse event: %v", err)
		}
		if ev.OHLCV == nil || ev.OHLCV.OpenTime == nil || *ev.OHLCV.OpenTime != 60000 {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Price != 101.5 {
			t.Errorf("price = %v", ev.Price)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for stream message")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	select {
	case <-sub.Done():
	default:
		t.Fatal("reader still running after Close")
	}
	if len(msgs) != 0 {
		t.Errorf("control message leaked to handler: %s", <-msgs)
	}
}

// go test -v --run TestSubscribeRemoteClose
func TestSubscribeRemoteClose(t *testing.T) {
	srv := streamServer(t, func(conn *websocket.Conn) {
		// return closes the connection
	})
	defer srv.Close()

	client := NewWSClient(wsURL(srv), 5*time.Second, 0, zap.NewNop())

	closed := make(chan error, 1)
	sub, err := client.Subscribe(context.Background(),
		StreamRequest{Symbol: "BTCUSD", Interval: Interval1Min, IncludeOHLCV: true},
		func([]byte) {},
		func(err error) { closed <- err })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	select {
	case err := <-closed:
		if err == nil {
			t.Error("expected read error on remote close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("onClose was not called")
	}
}
