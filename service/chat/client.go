package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"commune/logger"
	"commune/service/proto"
	"commune/tools/safe"
)

// Client speaks the realtime protocol from the other side. It exists
// for tooling and tests; requests go out correlated and Call blocks
// for the matching response while pushed events land on Events.
type Client struct {
	conn *websocket.Conn
	corr *Correlator

	writeMu sync.Mutex
	events  chan proto.ServerEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects and starts the read loop. The caller still has to
// Authenticate before anything else works.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:   conn,
		corr:   NewCorrelator(timeout),
		events: make(chan proto.ServerEvent, 64),
		closed: make(chan struct{}),
	}
	conn.SetPingHandler(func(data string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	safe.Go("client-read-loop", c.readLoop)
	return c, nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := proto.DecodeServerMessage(raw)
		if err != nil {
			logger.Warnf("client: undecodable server frame: %v", err)
			continue
		}
		switch {
		case msg.Response != nil:
			// Late responses are dropped inside Complete.
			c.corr.Complete(*msg.Response)
		case msg.Event != nil:
			select {
			case c.events <- msg.Event:
			default:
				logger.Warnf("client: event buffer full, dropping %T", msg.Event)
			}
		case msg.RateLimited != nil:
			logger.Warnf("client: rate limited, ready in %dms", msg.RateLimited.ReadyInMS)
		case msg.Malformed:
			logger.Warnf("client: server flagged a malformed frame")
		}
	}
}

// Call sends one request and waits for its response. A response
// carrying a protocol error comes back as that error.
func (c *Client) Call(ctx context.Context, req proto.ClientRequest) (proto.OkResponse, error) {
	id, ch := c.corr.Register()
	raw, err := proto.EncodeClientMessage(proto.ClientMessage{ID: id, Request: req})
	if err != nil {
		c.corr.forget(id)
		return nil, err
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.BinaryMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		c.corr.forget(id)
		return nil, err
	}

	resp, err := c.corr.Await(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	if resp.Err != proto.ErrNone {
		return nil, resp.Err
	}
	return resp.Ok, nil
}

// Authenticate performs the mandatory first request.
func (c *Client) Authenticate(ctx context.Context, device proto.DeviceID, token string) error {
	_, err := c.Call(ctx, proto.Authenticate{Device: device, Token: token})
	return err
}

// Events streams server pushes, ClientReady included.
func (c *Client) Events() <-chan proto.ServerEvent { return c.events }

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
		c.corr.Close()
	})
}
