package agent

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// Socket is the part of a WebSocket connection Conn needs.
type Socket interface {
	// Read returns the next message and whether it was binary.
	Read(ctx context.Context) (binary bool, data []byte, err error)
	WriteBinary(ctx context.Context, data []byte) error
	// Close performs a normal closure.
	Close() error
}

type Dialer func(ctx context.Context, url string, header http.Header) (Socket, error)

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) (bool, []byte, error) {
	typ, data, err := s.conn.Read(ctx)
	return typ == websocket.MessageBinary, data, err
}

func (s *wsSocket) WriteBinary(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageBinary, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// WebSocketDialer dials with nhooyr.io/websocket. readLimit bounds a single
// inbound message; the library default of 32KiB is far too small for audio.
func WebSocketDialer(readLimit int64) Dialer {
	return func(ctx context.Context, url string, header http.Header) (Socket, error) {
		conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, fmt.Errorf("handshake rejected with HTTP %d: %w", resp.StatusCode, err)
			}
			return nil, err
		}
		conn.SetReadLimit(readLimit)
		return &wsSocket{conn: conn}, nil
	}
}
