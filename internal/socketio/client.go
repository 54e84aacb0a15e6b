package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrUnauthorized     = errors.New("socket unauthorized")
	ErrServerDisconnect = errors.New("io server disconnect")
	ErrClosed           = errors.New("socket closed")
)

const defaultHandshakeTimeout = 10 * time.Second

// ConnectError is a CONNECT_ERROR answer to the handshake. The server only
// rejects a namespace connection from its auth middleware, so it always
// unwraps to ErrUnauthorized.
type ConnectError struct {
	Message string
}

func (e *ConnectError) Error() string { return "connect error: " + e.Message }

func (e *ConnectError) Unwrap() error { return ErrUnauthorized }

type EventHandler func(event string, args []json.RawMessage)

type Options struct {
	URL              string
	Token            string
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	OnEvent          EventHandler
}

type Client struct {
	ws      *websocket.Conn
	sid     string
	onEvent EventHandler

	heartbeat time.Duration

	sendMu sync.Mutex

	once sync.Once
	done chan struct{}
	err  error
}

// EndpointURL turns a server base URL into the Engine.IO websocket endpoint.
func EndpointURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported socket url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the websocket, completes the Engine.IO and Socket.IO handshakes
// and starts delivering events to opts.OnEvent in arrival order.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	endpoint, err := EndpointURL(opts.URL)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxPayload)

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	c := &Client{ws: ws, onEvent: opts.OnEvent, done: make(chan struct{})}
	if err := c.handshake(opts.Token); err != nil {
		_ = ws.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if !stop() {
		_ = ws.Close()
		return nil, ctx.Err()
	}

	c.extendDeadline()
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(token string) error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	msg := string(data)
	if msg == "" || enginePacketType(msg[0]) != engineOpen {
		return errors.New("expected open packet")
	}
	var open openPacket
	if err := json.Unmarshal([]byte(msg[1:]), &open); err != nil {
		return fmt.Errorf("invalid open packet: %w", err)
	}
	c.heartbeat = time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond

	packet, err := buildConnectPacket("/", map[string]string{"token": token})
	if err != nil {
		return err
	}
	if err := c.writeText(packet); err != nil {
		return err
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		msg := string(data)
		if msg == "" {
			continue
		}
		switch enginePacketType(msg[0]) {
		case enginePing:
			if err := c.writeText(string(enginePong)); err != nil {
				return err
			}
		case engineClose:
			return errors.New("closed during handshake")
		case engineMessage:
			if len(msg) < 2 {
				continue
			}
			_, rest := parseOptionalNamespace(msg[2:])
			switch socketPacketType(msg[1]) {
			case socketConnect:
				var body struct {
					SID string `json:"sid"`
				}
				_ = json.Unmarshal([]byte(rest), &body)
				c.sid = body.SID
				return nil
			case socketConnectError:
				return &ConnectError{Message: parseConnectErrorMessage(rest)}
			}
		}
	}
}

func (c *Client) SID() string { return c.sid }

// Done is closed once the client stops reading, whatever the cause.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the client stopped. It is nil until Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Emit(event string, args ...any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	packet, err := buildEventPacket("/", event, args...)
	if err != nil {
		return err
	}
	return c.writeText(packet)
}

// Close leaves the namespace and closes the socket. It is safe to call more
// than once.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	_ = c.writeText(buildDisconnectPacket("/"))
	c.finish(ErrClosed)
	return nil
}

func (c *Client) finish(err error) {
	c.once.Do(func() {
		c.err = err
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *Client) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Client) extendDeadline() {
	if c.heartbeat <= 0 {
		_ = c.ws.SetReadDeadline(time.Time{})
		return
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.heartbeat))
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		c.extendDeadline()
		if err := c.handle(string(data)); err != nil {
			c.finish(err)
			return
		}
	}
}

func (c *Client) handle(msg string) error {
	if msg == "" {
		return nil
	}
	switch enginePacketType(msg[0]) {
	case enginePing:
		return c.writeText(string(enginePong))
	case engineClose:
		return errors.New("transport closed by server")
	case engineMessage:
	default:
		return nil
	}

	payload := msg[1:]
	if payload == "" {
		return nil
	}
	switch socketPacketType(payload[0]) {
	case socketDisconnect:
		return ErrServerDisconnect
	case socketEvent:
		pkt, err := parseEventPacket(payload)
		if err != nil {
			return nil
		}
		if c.onEvent != nil {
			c.onEvent(pkt.Event, pkt.Args)
		}
	}
	return nil
}
