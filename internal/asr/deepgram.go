package asr

import (
	"context"
	"fmt"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/meetsynth/transcribe-gateway/internal/observability"
)

// deepgramCallback embeds the SDK default handler and overrides the
// callbacks the channel needs
type deepgramCallback struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onError   func(*msginterfaces.ErrorResponse)
	onClose   func()
}

func (h *deepgramCallback) Message(mr *msginterfaces.MessageResponse) error {
	h.onMessage(mr)
	return nil
}

func (h *deepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	h.onError(er)
	return nil
}

func (h *deepgramCallback) Close(cr *msginterfaces.CloseResponse) error {
	h.onClose()
	return nil
}

// DeepgramOptions configures a Deepgram live channel
type DeepgramOptions struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int

	Logger  zerolog.Logger
	Metrics *observability.Metrics // optional
}

// DeepgramChannel is a Channel backed by Deepgram's live transcription API.
// Deepgram has no segment ids; each final result closes an utterance.
type DeepgramChannel struct {
	*lifecycle
	opts   DeepgramOptions
	logger zerolog.Logger

	mu     sync.Mutex
	client *listenClient.WSCallback
	cancel context.CancelFunc
	segID  int
}

// NewDeepgramChannel creates an idle channel
func NewDeepgramChannel(opts DeepgramOptions) *DeepgramChannel {
	return &DeepgramChannel{
		lifecycle: newLifecycle(),
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "asr").Str("provider", "deepgram").Logger(),
	}
}

// Connect opens the Deepgram live socket
func (d *DeepgramChannel) Connect(ctx context.Context) error {
	if err := d.begin(); err != nil {
		return err
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.opts.Model,
		Language:       d.opts.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.opts.SampleRate,
	}

	callback := &deepgramCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              d.handleMessage,
		onError:                d.handleError,
		onClose:                d.handleClose,
	}

	// The SDK keeps its own context for the socket lifetime
	sockCtx, cancel := context.WithCancel(context.Background())
	client, err := listenClient.NewWSUsingCallback(sockCtx, d.opts.APIKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		return d.handshakeFailed(fmt.Errorf("failed to create Deepgram client: %w", err))
	}

	connected := make(chan bool, 1)
	go func() { connected <- client.Connect() }()

	select {
	case ok := <-connected:
		if !ok {
			cancel()
			return d.handshakeFailed(fmt.Errorf("failed to connect to Deepgram"))
		}
	case <-ctx.Done():
		cancel()
		return d.handshakeFailed(ctx.Err())
	}

	d.mu.Lock()
	d.client = client
	d.cancel = cancel
	d.mu.Unlock()

	if !d.transition(StateOpen, StateConnecting) {
		client.Finish()
		cancel()
		return ErrNotOpen
	}

	d.logger.Info().Str("model", d.opts.Model).Str("language", d.opts.Language).Msg("ASR channel open")
	return nil
}

func (d *DeepgramChannel) handshakeFailed(err error) error {
	d.abort()
	d.logger.Error().Err(err).Msg("ASR handshake failed")
	d.recordChannelError(OpHandshake)
	return &ChannelError{Op: OpHandshake, Err: err}
}

func (d *DeepgramChannel) recordChannelError(op string) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordChannelError(op)
	}
}

func (d *DeepgramChannel) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || msg.Type != "Results" {
		return
	}
	if len(msg.Channel.Alternatives) == 0 {
		return
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	d.mu.Lock()
	id := d.segID
	if msg.IsFinal {
		d.segID++
	}
	d.mu.Unlock()

	d.emit(Event{Kind: EventSegment, Segment: Segment{
		Text:  alt.Transcript,
		Final: msg.IsFinal,
		SegID: id,
	}})
}

func (d *DeepgramChannel) handleError(er *msginterfaces.ErrorResponse) {
	err := fmt.Errorf("%s: %s", er.ErrCode, er.ErrMsg)
	if d.fail(OpProvider, err) {
		d.logger.Error().Err(err).Msg("Deepgram error")
		d.recordChannelError(OpProvider)
	}
}

// handleClose finishes a requested close; anywhere else the socket dropped
func (d *DeepgramChannel) handleClose() {
	if d.transition(StateClosed, StateClosing) {
		return
	}
	if d.fail(OpTransport, fmt.Errorf("connection closed by provider")) {
		d.recordChannelError(OpTransport)
	}
}

// SendFrame forwards PCM while Open
func (d *DeepgramChannel) SendFrame(frame []byte) bool {
	d.mu.Lock()
	if d.State() != StateOpen || d.client == nil {
		d.mu.Unlock()
		return false
	}
	_, err := d.client.Write(frame)
	d.mu.Unlock()

	if err == nil {
		return true
	}
	if d.failFromCaller(OpTransport, err) {
		d.logger.Error().Err(err).Msg("failed to send audio to Deepgram")
		d.recordChannelError(OpTransport)
	}
	return false
}

// SendEndMarker asks Deepgram to flush and close the stream
func (d *DeepgramChannel) SendEndMarker() error {
	d.mu.Lock()
	client := d.client
	open := d.State() == StateOpen && client != nil
	d.mu.Unlock()

	if !open || !d.swap(StateClosing, StateOpen) {
		return ErrNotOpen
	}
	d.post(Event{Kind: EventState, State: StateClosing})

	// Finish flushes pending results and then fires the Close callback
	go client.Finish()
	return nil
}

// Close stops the socket and ends event delivery
func (d *DeepgramChannel) Close() error {
	d.forceClosed()
	d.lifecycle.close()

	d.mu.Lock()
	client, cancel := d.client, d.cancel
	d.client, d.cancel = nil, nil
	d.mu.Unlock()

	if client != nil {
		client.Finish()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}
