// Package sidecar is a diarization provider that talks to an out-of-process
// diarization service over a WebSocket RPC connection.
package sidecar

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/diarscribe/internal/diaglog"
	"github.com/tiroq/diarscribe/internal/diarize"
)

// Compile-time interface check.
var _ diarize.Provider = (*Client)(nil)

// Config configures the sidecar client.
type Config struct {
	URL                     string `yaml:"url"`
	Token                   string `yaml:"token"`                     // optional; answers the hello challenge
	HandshakeTimeoutSeconds int    `yaml:"handshake_timeout_seconds"` // default 10
	RequestTimeoutSeconds   int    `yaml:"request_timeout_seconds"`   // default 900
}

// Message is the envelope of every frame.
type Message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type HelloData struct {
	ServiceVersion string `json:"serviceVersion"`
	RPCVersion     int    `json:"rpcVersion"`
	Authentication struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type IdentifyData struct {
	RPCVersion     int    `json:"rpcVersion"`
	Authentication string `json:"authentication,omitempty"`
}

type Request struct {
	RequestType string      `json:"requestType"`
	RequestID   string      `json:"requestId"`
	RequestData interface{} `json:"requestData,omitempty"`
}

type Response struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment,omitempty"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

// DiarizeRequest is the payload of a Diarize request.
type DiarizeRequest struct {
	AudioPath string `json:"audioPath"`
	diarize.Hints
}

// DiarizeResponse is the payload of a successful Diarize response.
type DiarizeResponse struct {
	Tracks []diarize.Track `json:"tracks"`
}

// OpCodes for the RPC protocol.
const (
	OpHello           = 0
	OpIdentify        = 1
	OpIdentified      = 2
	OpRequest         = 6
	OpRequestResponse = 7
)

// RequestTypeDiarize is the only request the sidecar serves.
const RequestTypeDiarize = "Diarize"

// Client is a diarize.Provider backed by a WebSocket sidecar. It connects
// lazily on the first Diarize call and again after the connection drops.
type Client struct {
	cfg Config

	mu         sync.RWMutex
	connectMu  sync.Mutex // one handshake at a time
	sess       *session
	connected  bool
	identified bool

	requestID   int
	requestIDMu sync.Mutex
	responses   map[int]chan *Response
	responseMu  sync.RWMutex

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// session is one WebSocket connection and its handshake channels.
type session struct {
	conn           *websocket.Conn
	closed         chan struct{} // closed when the connection goes away
	helloChan      chan *HelloData
	helloErrChan   chan error
	identifiedChan chan struct{}
}

// NewClient creates a sidecar client. No connection is made yet.
func NewClient(cfg Config) *Client {
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = 10
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 900
	}
	return &Client{
		cfg:       cfg,
		responses: make(map[int]chan *Response),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return "sidecar" }

// SetLogger injects a diaglog.Logger.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentDiarizer
	}
	l.Log(entry)
}

// Diarize asks the sidecar for the speaker turns of audioPath.
func (c *Client) Diarize(ctx context.Context, audioPath string, hints diarize.Hints) ([]diarize.Track, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, fmt.Errorf("sidecar: %w", err)
	}
	resp, err := c.sendRequest(ctx, RequestTypeDiarize, DiarizeRequest{AudioPath: audioPath, Hints: hints})
	if err != nil {
		return nil, fmt.Errorf("sidecar: %w", err)
	}
	var data DiarizeResponse
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return nil, fmt.Errorf("sidecar: decode diarize response: %w", err)
	}
	return data.Tracks, nil
}

// ensureConnected connects unless a previous caller already has. Concurrent
// callers wait for the in-flight handshake instead of racing it.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.IsConnected() {
		return nil
	}
	return c.Connect(ctx)
}

// Connect dials the sidecar and completes the hello/identify handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if connected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	sess := &session{
		conn:           conn,
		closed:         make(chan struct{}),
		helloChan:      make(chan *HelloData, 1),
		helloErrChan:   make(chan error, 1),
		identifiedChan: make(chan struct{}, 1),
	}
	c.mu.Lock()
	c.sess = sess
	c.connected = true
	c.mu.Unlock()

	go c.readMessages(sess)

	timeout := time.Duration(c.cfg.HandshakeTimeoutSeconds) * time.Second
	select {
	case hello := <-sess.helloChan:
		return c.identify(ctx, sess, hello, timeout)
	case err := <-sess.helloErrChan:
		c.disconnect(sess)
		return err
	case <-ctx.Done():
		c.disconnect(sess)
		return ctx.Err()
	case <-time.After(timeout):
		c.disconnect(sess)
		return fmt.Errorf("timeout waiting for Hello message")
	}
}

// identify answers the hello, signing the challenge when the sidecar asks.
func (c *Client) identify(ctx context.Context, sess *session, hello *HelloData, timeout time.Duration) error {
	identify := IdentifyData{RPCVersion: 1}
	if hello.Authentication.Challenge != "" {
		if c.cfg.Token == "" {
			c.disconnect(sess)
			return fmt.Errorf("sidecar requires authentication but no token is configured")
		}
		identify.Authentication = signChallenge(c.cfg.Token, hello.Authentication.Salt, hello.Authentication.Challenge)
	}

	msg := Message{Op: OpIdentify}
	msg.D, _ = json.Marshal(identify)
	if err := c.writeJSON(sess, msg); err != nil {
		c.disconnect(sess)
		return err
	}

	select {
	case <-sess.identifiedChan:
		c.mu.Lock()
		c.identified = c.sess == sess
		c.mu.Unlock()
		c.log(diaglog.LogEntry{
			Event:   diaglog.EventWSConnect,
			Payload: map[string]interface{}{"service_version": hello.ServiceVersion},
		})
		return nil
	case <-sess.closed:
		return fmt.Errorf("connection closed during handshake")
	case <-ctx.Done():
		c.disconnect(sess)
		return ctx.Err()
	case <-time.After(timeout):
		c.disconnect(sess)
		return fmt.Errorf("timeout waiting for Identified message")
	}
}

// signChallenge returns base64(sha256(base64(sha256(token+salt)) + challenge)).
func signChallenge(token, salt, challenge string) string {
	secret := sha256.Sum256([]byte(token + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// readMessages reads and dispatches frames until the connection fails.
func (c *Client) readMessages(sess *session) {
	defer c.disconnect(sess)

	for {
		var msg Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.log(diaglog.LogEntry{
					Event:   diaglog.EventWSDisconnect,
					Payload: map[string]interface{}{"close_code": closeErr.Code, "text": closeErr.Text},
				})
			}
			select {
			case sess.helloErrChan <- fmt.Errorf("connection closed during handshake: %w", err):
			default:
			}
			return
		}

		switch msg.Op {
		case OpHello:
			var hello HelloData
			if err := json.Unmarshal(msg.D, &hello); err != nil {
				select {
				case sess.helloErrChan <- err:
				default:
				}
				return
			}
			select {
			case sess.helloChan <- &hello:
			default:
			}

		case OpIdentified:
			select {
			case sess.identifiedChan <- struct{}{}:
			default:
			}

		case OpRequestResponse:
			var resp Response
			if err := json.Unmarshal(msg.D, &resp); err == nil {
				c.handleResponse(&resp)
			}
		}
	}
}

// handleResponse routes responses to waiting request channels.
func (c *Client) handleResponse(resp *Response) {
	id, err := strconv.Atoi(resp.RequestID)
	if err != nil {
		return
	}
	c.responseMu.RLock()
	defer c.responseMu.RUnlock()
	if ch, ok := c.responses[id]; ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// sendRequest sends a request and waits for its response.
func (c *Client) sendRequest(ctx context.Context, requestType string, requestData interface{}) (*Response, error) {
	c.mu.RLock()
	if !c.connected || !c.identified {
		c.mu.RUnlock()
		return nil, fmt.Errorf("not connected")
	}
	sess := c.sess
	c.mu.RUnlock()

	c.requestIDMu.Lock()
	c.requestID++
	id := c.requestID
	c.requestIDMu.Unlock()
	requestID := strconv.Itoa(id)

	msg := Message{Op: OpRequest}
	msg.D, _ = json.Marshal(Request{
		RequestType: requestType,
		RequestID:   requestID,
		RequestData: requestData,
	})

	respChan := make(chan *Response, 1)
	c.responseMu.Lock()
	c.responses[id] = respChan
	c.responseMu.Unlock()
	defer func() {
		c.responseMu.Lock()
		delete(c.responses, id)
		c.responseMu.Unlock()
	}()

	if err := c.writeJSON(sess, msg); err != nil {
		return nil, err
	}

	timeout := time.Duration(c.cfg.RequestTimeoutSeconds) * time.Second
	select {
	case resp := <-respChan:
		if !resp.RequestStatus.Result {
			return nil, fmt.Errorf("request failed: %s (request: %s, code: %d)", resp.RequestStatus.Comment, requestType, resp.RequestStatus.Code)
		}
		return resp, nil
	case <-sess.closed:
		return nil, fmt.Errorf("connection lost while waiting for %s response", requestType)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %s (request: %s)", timeout, requestType)
	}
}

// writeJSON serialises writes; gorilla connections allow one writer at a time.
func (c *Client) writeJSON(sess *session, v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return fmt.Errorf("not connected")
	}
	return sess.conn.WriteJSON(v)
}

// disconnect tears down sess if it is still the active session.
func (c *Client) disconnect(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess == nil || c.sess != sess {
		return
	}
	_ = sess.conn.Close()
	close(sess.closed)
	c.sess = nil
	c.connected = false
	c.identified = false
}

// Close closes the connection, if any.
func (c *Client) Close() error {
	c.mu.RLock()
	sess := c.sess
	c.mu.RUnlock()
	c.disconnect(sess)
	return nil
}

// IsConnected returns current connection status.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.identified
}
