package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meetsynth/transcribe-gateway/internal/audio"
	"github.com/meetsynth/transcribe-gateway/internal/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	closeTimeout = 30 * time.Second
	outQueueSize = 256
	maxMessage   = 1 << 20
)

var errUnknownCommand = errors.New("unknown command")

// connection pumps one browser socket into a session controller.
// The read loop owns the socket's reader; writeLoop is its only writer.
type connection struct {
	ws     *websocket.Conn
	ctrl   *session.Controller
	logger zerolog.Logger

	outMu     sync.Mutex
	out       chan ServerMessage
	outClosed bool

	// source is the running recording's input, set once it has started
	srcMu  sync.Mutex
	source *audio.PushSource

	vadMu sync.Mutex
	vad   *audio.VADDetector

	cmds      sync.WaitGroup
	goingAway atomic.Bool
}

func newConnection(ws *websocket.Conn, ctrl *session.Controller, vad audio.VADConfig, logger zerolog.Logger) *connection {
	return &connection{
		ws:     ws,
		ctrl:   ctrl,
		logger: logger,
		out:    make(chan ServerMessage, outQueueSize),
		vad:    audio.NewVADDetector(&vad),
	}
}

// serve runs the session until the browser goes away or ctx is cancelled,
// then tears it down
func (c *connection) serve(ctx context.Context) {
	stopWatch := context.AfterFunc(ctx, c.interrupt)
	defer stopWatch()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		for ev := range c.ctrl.Events() {
			c.send(eventMessage(ev))
			if ev.Kind == session.EventRecording && ev.State == session.RecordingIdle {
				c.endSpeech()
			}
		}
	}()

	if err := c.open(ctx); err == nil {
		c.readLoop(ctx)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	if err := c.ctrl.Close(closeCtx); err != nil {
		c.logger.Error().Err(err).Msg("Final transcript save failed")
	}
	cancel()

	c.cmds.Wait()
	<-eventsDone

	c.outMu.Lock()
	c.outClosed = true
	close(c.out)
	c.outMu.Unlock()
	<-writerDone

	c.ws.Close()
}

// interrupt unblocks the read loop so serve can tear the session down
func (c *connection) interrupt() {
	c.goingAway.Store(true)
	if err := c.ws.UnderlyingConn().SetReadDeadline(time.Now()); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to interrupt WebSocket read")
	}
}

func (c *connection) open(ctx context.Context) error {
	m, err := c.ctrl.Open(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to open meeting")
		c.send(ServerMessage{Type: string(session.EventError), Source: session.SourcePersistence, Error: err.Error()})
		return err
	}
	c.send(meetingMessage(m))
	return nil
}

// send queues msg for the writer. Messages sent after teardown are dropped.
func (c *connection) send(msg ServerMessage) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.outClosed {
		return
	}
	c.out <- msg
}

func (c *connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	failed := false
	write := func(fn func() error) {
		if failed {
			return
		}
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := fn(); err != nil {
			// Keep draining so senders never block on a dead socket
			failed = true
			c.logger.Debug().Err(err).Msg("WebSocket write failed")
		}
	}

	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				code := websocket.CloseNormalClosure
				if c.goingAway.Load() {
					code = websocket.CloseGoingAway
				}
				write(func() error {
					return c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
				})
				return
			}
			write(func() error { return c.ws.WriteJSON(msg) })
		case <-ticker.C:
			write(func() error { return c.ws.WriteMessage(websocket.PingMessage, nil) })
		}
	}
}

func (c *connection) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessage)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		// A shutdown may have raced the deadline reset above
		if ctx.Err() != nil {
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			c.handleAudio(data)
		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to parse client message")
				c.send(resultMessage("", fmt.Errorf("invalid message: %w", err)))
				continue
			}
			c.handleCommand(ctx, msg)
		}
	}
}

func (c *connection) handleAudio(data []byte) {
	c.srcMu.Lock()
	src := c.source
	c.srcMu.Unlock()
	if src == nil {
		return
	}

	if _, err := src.Write(data); err != nil {
		// Still connecting, or the recording already stopped
		c.logger.Debug().Err(err).Int("bytes", len(data)).Msg("Dropping audio outside a recording")
		return
	}

	c.vadMu.Lock()
	_, started, ended := c.vad.ProcessPCM(data)
	c.vadMu.Unlock()
	if started || ended {
		c.send(ServerMessage{Type: MsgSpeaking, Speaking: boolPtr(started)})
	}
}

// endSpeech closes an open speaking span when a recording ends
func (c *connection) endSpeech() {
	c.vadMu.Lock()
	speaking := c.vad.IsSpeaking()
	c.vad.Reset()
	c.vadMu.Unlock()
	if speaking {
		c.send(ServerMessage{Type: MsgSpeaking, Speaking: boolPtr(false)})
	}
}

func (c *connection) handleCommand(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case CmdStart:
		// Connecting can take seconds; keep reading meanwhile. Audio keeps
		// going to the current source until the new recording is running.
		src := audio.NewPushSource()
		c.async(func() error {
			if err := c.ctrl.StartRecording(ctx, src); err != nil {
				return err
			}
			c.srcMu.Lock()
			c.source = src
			c.srcMu.Unlock()
			return nil
		}, msg.ID)
	case CmdSeparateRoles:
		c.async(func() error { return c.ctrl.SeparateRoles(ctx) }, msg.ID)
	case CmdSnapshot:
		snap, err := c.ctrl.Snapshot()
		if err != nil {
			c.send(resultMessage(msg.ID, err))
			return
		}
		c.send(snapshotMessage(msg.ID, snap))
	case CmdSummaryRequest:
		started, err := c.ctrl.RequestSummary(msg.Feedback)
		if err == nil && !started {
			err = errors.New("summary already streaming or being edited")
		}
		c.send(resultMessage(msg.ID, err))
	case CmdSummaryCancel:
		if !c.ctrl.CancelSummary() {
			c.send(resultMessage(msg.ID, errors.New("no summary streaming")))
			return
		}
		c.send(resultMessage(msg.ID, nil))
	default:
		c.send(resultMessage(msg.ID, c.dispatch(msg)))
	}
}

func (c *connection) dispatch(msg ClientMessage) error {
	switch msg.Type {
	case CmdStop:
		return c.ctrl.StopRecording()
	case CmdAppendText:
		return c.ctrl.AppendText(msg.Text)
	case CmdEditBegin:
		return c.ctrl.BeginEdit(msg.Index)
	case CmdEditCommit:
		return c.ctrl.CommitEdit(msg.Index, msg.Text)
	case CmdEditCancel:
		return c.ctrl.CancelEdit(msg.Index)
	case CmdDelete:
		return c.ctrl.Delete(msg.Index)
	case CmdClear:
		return c.ctrl.Clear()
	case CmdSummaryEditBegin:
		return c.ctrl.BeginSummaryEdit()
	case CmdSummaryUpdate:
		return c.ctrl.UpdateSummary(msg.Text)
	case CmdSummaryEditEnd:
		return c.ctrl.EndSummaryEdit()
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, msg.Type)
	}
}

func (c *connection) async(fn func() error, id string) {
	c.cmds.Add(1)
	go func() {
		defer c.cmds.Done()
		c.send(resultMessage(id, fn()))
	}()
}
