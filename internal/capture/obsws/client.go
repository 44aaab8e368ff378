// Package obsws implements the capture runtime contract against an OBS
// instance over its websocket control protocol (v5).
package obsws

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/capture-agent/internal/logging"
)

var log = logging.L("obsws")

// Protocol opcodes.
const (
	opHello        = 0
	opIdentify     = 1
	opIdentified   = 2
	opEvent        = 5
	opRequest      = 6
	opRequestReply = 7
)

const (
	rpcVersion     = 1
	requestTimeout = 10 * time.Second
	dialTimeout    = 5 * time.Second
)

// envelope is the protocol's outer message.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	ObsWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Authentication      *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type identifyData struct {
	RPCVersion     int    `json:"rpcVersion"`
	Authentication string `json:"authentication,omitempty"`
}

type requestData struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type requestReply struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

type eventData struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
}

// RequestError reports a request OBS rejected.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("obsws: %s failed with code %d: %s", e.RequestType, e.Code, e.Comment)
}

// Client is a minimal obs-websocket v5 client: identify handshake, request
// correlation, and an event callback.
type Client struct {
	url      string
	password string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *requestReply
	onEvent func(eventType string, data json.RawMessage)
	closed  bool
	done    chan struct{}
}

// NewClient creates a client for the given websocket URL
// (e.g. ws://127.0.0.1:4455). The password may be empty when OBS has
// authentication disabled.
func NewClient(url, password string) *Client {
	return &Client{
		url:      url,
		password: password,
		pending:  make(map[string]chan *requestReply),
	}
}

// OnEvent registers the event callback. Must be called before Connect.
func (c *Client) OnEvent(fn func(eventType string, data json.RawMessage)) {
	c.onEvent = fn
}

// Connect dials OBS and completes the Hello/Identify handshake.
func (c *Client) Connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("obsws: dial %s: %w", c.url, err)
	}

	hello, err := readEnvelope(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("obsws: read hello: %w", err)
	}
	if hello.Op != opHello {
		conn.Close()
		return fmt.Errorf("obsws: expected hello, got op %d", hello.Op)
	}

	var helloMsg helloData
	if err := json.Unmarshal(hello.D, &helloMsg); err != nil {
		conn.Close()
		return fmt.Errorf("obsws: decode hello: %w", err)
	}

	identify := identifyData{RPCVersion: rpcVersion}
	if helloMsg.Authentication != nil {
		identify.Authentication = authResponse(c.password,
			helloMsg.Authentication.Salt, helloMsg.Authentication.Challenge)
	}
	if err := writeEnvelope(conn, opIdentify, identify); err != nil {
		conn.Close()
		return fmt.Errorf("obsws: send identify: %w", err)
	}

	identified, err := readEnvelope(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("obsws: read identified: %w", err)
	}
	if identified.Op != opIdentified {
		conn.Close()
		return fmt.Errorf("obsws: identify rejected (op %d)", identified.Op)
	}

	c.mu.Lock()
	c.conn = conn
	c.closed = false
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readPump(conn)

	log.Info("connected to OBS", "url", c.url, "obsVersion", helloMsg.ObsWebSocketVersion)
	return nil
}

// Close tears the connection down; pending requests fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return nil
	}
	c.closed = true
	err := c.conn.Close()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return err
}

// Connected reports whether the handshake has completed and the read pump is
// alive.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Request sends one request and decodes its response into out (when out is
// non-nil).
func (c *Client) Request(requestType string, payload any, out any) error {
	c.mu.Lock()
	if c.conn == nil || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("obsws: not connected")
	}
	conn := c.conn
	id := uuid.NewString()
	ch := make(chan *requestReply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := requestData{
		RequestType: requestType,
		RequestID:   id,
		RequestData: payload,
	}
	if err := c.write(conn, opRequest, req); err != nil {
		c.dropPending(id)
		return fmt.Errorf("obsws: send %s: %w", requestType, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return fmt.Errorf("obsws: connection closed during %s", requestType)
		}
		if !reply.RequestStatus.Result {
			return &RequestError{
				RequestType: requestType,
				Code:        reply.RequestStatus.Code,
				Comment:     reply.RequestStatus.Comment,
			}
		}
		if out != nil && len(reply.ResponseData) > 0 {
			if err := json.Unmarshal(reply.ResponseData, out); err != nil {
				return fmt.Errorf("obsws: decode %s response: %w", requestType, err)
			}
		}
		return nil
	case <-time.After(requestTimeout):
		c.dropPending(id)
		return fmt.Errorf("obsws: %s timed out", requestType)
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) write(conn *websocket.Conn, op int, data any) error {
	// gorilla allows one concurrent writer; serialize under the lock.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	return writeEnvelope(conn, op, data)
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
			conn.Close()
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
		}
		c.mu.Unlock()
	}()

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			log.Debug("read pump ended", "error", err)
			return
		}

		switch env.Op {
		case opRequestReply:
			var reply requestReply
			if err := json.Unmarshal(env.D, &reply); err != nil {
				log.Warn("malformed request reply", "error", err)
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[reply.RequestID]
			if ok {
				delete(c.pending, reply.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- &reply
			}

		case opEvent:
			var ev eventData
			if err := json.Unmarshal(env.D, &ev); err != nil {
				continue
			}
			if c.onEvent != nil {
				c.onEvent(ev.EventType, ev.EventData)
			}
		}
	}
}

func readEnvelope(conn *websocket.Conn) (*envelope, error) {
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func writeEnvelope(conn *websocket.Conn, op int, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{Op: op, D: payload})
}

// authResponse computes the v5 challenge response:
// base64(sha256(base64(sha256(password+salt)) + challenge)).
func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	proof := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(proof[:])
}
