package asr

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetsynth/transcribe-gateway/internal/observability"
)

// endMarker is the control message that tells RTASR no more audio follows
var endMarker = []byte(`{"end": true}`)

// XFYunOptions configures an XFYun RTASR channel
type XFYunOptions struct {
	URL            string
	AppID          string
	APIKey         string
	RoleType       int // 2 asks the provider to label speakers
	ConnectTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *observability.Metrics // optional

	// Now is used for request signing; defaults to time.Now
	Now func() time.Time
}

// XFYunChannel is a Channel over the XFYun real-time ASR WebSocket API
type XFYunChannel struct {
	*lifecycle
	opts   XFYunOptions
	logger zerolog.Logger
	dialer *websocket.Dialer

	// connMu guards conn and serializes writes
	connMu   sync.Mutex
	conn     *websocket.Conn
	readDone chan struct{}
}

// NewXFYunChannel creates an idle channel
func NewXFYunChannel(opts XFYunOptions) *XFYunChannel {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &XFYunChannel{
		lifecycle: newLifecycle(),
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "asr").Str("provider", "xfyun").Logger(),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.ConnectTimeout,
		},
	}
}

// Connect signs the URL, dials, and waits for the provider's started message
func (c *XFYunChannel) Connect(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}

	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	extra := url.Values{}
	if c.opts.RoleType > 0 {
		extra.Set("roleType", strconv.Itoa(c.opts.RoleType))
	}
	u, err := SignedURL(c.opts.URL, c.opts.AppID, c.opts.APIKey, c.opts.Now(), extra)
	if err != nil {
		return c.handshakeFailed(err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return c.handshakeFailed(err)
	}

	if err := awaitStarted(ctx, conn); err != nil {
		conn.Close()
		return c.handshakeFailed(err)
	}

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.readDone = done
	c.connMu.Unlock()

	if !c.transition(StateOpen, StateConnecting) {
		// Closed while the handshake was in flight
		conn.Close()
		close(done)
		return ErrNotOpen
	}

	go c.readLoop(conn, done)
	c.logger.Info().Msg("ASR channel open")
	return nil
}

func (c *XFYunChannel) handshakeFailed(err error) error {
	c.abort()
	c.logger.Error().Err(err).Msg("ASR handshake failed")
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordChannelError(OpHandshake)
	}
	return &ChannelError{Op: OpHandshake, Err: err}
}

// awaitStarted reads until the provider acknowledges the session
func awaitStarted(ctx context.Context, conn *websocket.Conn) error {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for started: %w", err)
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	switch msg.Action {
	case ActionStarted:
		return nil
	case ActionError:
		return providerError(msg)
	default:
		return fmt.Errorf("unexpected %q before started", msg.Action)
	}
}

func (c *XFYunChannel) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			// The provider closes the socket after the last result
			if c.transition(StateClosed, StateClosing) {
				c.logger.Debug().Msg("ASR channel closed by provider")
				conn.Close()
				return
			}
			if c.fail(OpTransport, err) {
				c.logger.Error().Err(err).Msg("ASR transport error")
				c.recordChannelError(OpTransport)
			}
			conn.Close()
			return
		}

		if mt != websocket.TextMessage {
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("skipping undecodable ASR message")
			if c.opts.Metrics != nil {
				c.opts.Metrics.RecordDecodeError()
			}
			continue
		}

		switch msg.Action {
		case ActionResult:
			c.emit(Event{Kind: EventSegment, Segment: *msg.Segment})
		case ActionError:
			perr := providerError(msg)
			if c.fail(OpProvider, perr) {
				c.logger.Error().Err(perr).Str("sid", msg.SID).Msg("ASR provider error")
				c.recordChannelError(OpProvider)
			}
			conn.Close()
			return
		}
	}
}

func (c *XFYunChannel) recordChannelError(op string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordChannelError(op)
	}
}

// SendFrame writes one binary PCM frame while Open. It never blocks on
// event delivery.
func (c *XFYunChannel) SendFrame(frame []byte) bool {
	err := c.write(func(conn *websocket.Conn) error {
		if c.State() != StateOpen {
			return ErrNotOpen
		}
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotOpen):
		return false
	}

	if c.failFromCaller(OpTransport, err) {
		c.logger.Error().Err(err).Msg("ASR write failed")
		c.recordChannelError(OpTransport)
	}
	return false
}

// SendEndMarker writes {"end": true} and moves to Closing
func (c *XFYunChannel) SendEndMarker() error {
	err := c.write(func(conn *websocket.Conn) error {
		// Closing is entered first so a prompt server close is not taken for a drop
		if !c.swap(StateClosing, StateOpen) {
			return ErrNotOpen
		}
		c.post(Event{Kind: EventState, State: StateClosing})
		return conn.WriteMessage(websocket.TextMessage, endMarker)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotOpen):
		return err
	}

	if c.failFromCaller(OpTransport, err) {
		c.recordChannelError(OpTransport)
	}
	return &ChannelError{Op: OpTransport, Err: err}
}

// write runs fn with the connection held. A failed write also closes the
// socket, which ends the read loop.
func (c *XFYunChannel) write(fn func(conn *websocket.Conn) error) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotOpen
	}
	err := fn(c.conn)
	if err != nil && !errors.Is(err, ErrNotOpen) {
		c.conn.Close()
	}
	return err
}

// Close drops the connection and ends event delivery; no further events,
// including the Closed state, are delivered.
func (c *XFYunChannel) Close() error {
	c.forceClosed()
	c.lifecycle.close()

	c.connMu.Lock()
	conn, done := c.conn, c.readDone
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		<-done
	}
	return nil
}
