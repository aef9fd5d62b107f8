package ws

import (
	"context"
	"fmt"

	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/coder/websocket"
)

// Client is the participant end of a connection to the authority.
type Client struct {
	conn *websocket.Conn
}

func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Send(ctx context.Context, p protocol.Payload) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// Receive blocks for the next event from the authority.
func (c *Client) Receive(ctx context.Context) (protocol.Payload, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, ErrTextFrame
	}
	return protocol.Decode(data)
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
