// Package websockettest holds dial helpers for gateway socket tests.
package websockettest

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Dial establishes a WebSocket connection with the default dialer.
func Dial(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(urlStr, header)
}

// DialIgnoringPings connects and suppresses the automatic pong replies so
// tests can simulate an unresponsive peer.
func DialIgnoringPings(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}
