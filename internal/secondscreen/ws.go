package secondscreen

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The display is served from the same host on the LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSChannel carries messages over a websocket as text frames.
type WSChannel struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

// Upgrade accepts a display connection on an HTTP handler.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSChannel, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewWSChannel(conn), nil
}

// Dial connects a display to a primary's websocket URL.
func Dial(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSChannel(conn), nil
}

func (c *WSChannel) WriteMessage(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// ReadMessage blocks for the next text frame. Cancelling ctx unblocks it
// and leaves the connection unusable for further reads.
func (c *WSChannel) ReadMessage(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *WSChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}
