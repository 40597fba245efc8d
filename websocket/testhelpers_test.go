package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
)

// newTestServer starts an httptest.Server that upgrades every request and
// hands the resulting Conn to handler, closing it when handler returns.
func newTestServer(tb interface{ Helper() }, handler func(*Conn)) *httptest.Server {
	tb.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer conn.Close(context.Background())
		handler(conn)
	}))

	return server
}

// dialTestServer dials server with the package's own client and fails the
// test on error.
func dialTestServer(tb interface {
	Helper()
	Fatalf(string, ...any)
}, server *httptest.Server) *Conn {
	tb.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := Dial(context.Background(), wsURL, DialConfig{})
	if err != nil {
		tb.Fatalf("Dial error: %v", err)
	}
	return conn
}
