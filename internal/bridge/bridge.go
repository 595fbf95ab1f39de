// Package bridge carries the browser side of the game over a websocket.
// The browser owns the playback SDK, the camera decoder and the table
// display; the bridge exposes those as the collaborator interfaces the
// orchestrator consumes and relays orchestrator output back out.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"hitspin/internal/core"
)

const (
	eventBuffer = 16
	// ackTimeout bounds how long a pause or scan-stop waits for the
	// browser's acknowledgement before the round proceeds without it.
	ackTimeout = 2 * time.Second
)

// Controls is the subset of game operations the browser may trigger.
type Controls interface {
	StartScan(ctx context.Context) error
	CancelScan(ctx context.Context)
	StopRound(ctx context.Context)
	Next(ctx context.Context)
	AcknowledgeError(ctx context.Context)
	Retry(ctx context.Context)
	Logout(ctx context.Context)
	VisibilityHidden(ctx context.Context)
}

// ScanHandler receives raw decoder payloads from the browser.
type ScanHandler func(ctx context.Context, payload string)

// inbound is every message shape the browser sends. Type selects which
// of the remaining fields carry meaning.
type inbound struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`
	Category string `json:"category,omitempty"`
	Message  string `json:"message,omitempty"`
	Payload  string `json:"payload,omitempty"`
	OK       bool   `json:"ok,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
}

// outbound is every message shape sent to the browser.
type outbound struct {
	Type        string `json:"type"`
	State       string `json:"state,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Message     string `json:"message,omitempty"`
	TrackLabel  string `json:"track_label,omitempty"`
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Repeat      bool   `json:"repeat,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	RemainingMs int64  `json:"remaining_ms,omitempty"`
}

// Bridge holds at most one browser connection. A new connection replaces
// the previous one; the game state message is replayed on attach so a
// reloaded page catches up.
type Bridge struct {
	logger   *zap.Logger
	clock    clockwork.Clock
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	events   chan core.SDKEvent
	pauseAck chan bool
	stopAck  chan struct{}

	controls    Controls
	scanHandler ScanHandler
	stateFn     func() (core.State, core.Payload)
}

func New(logger *zap.Logger, clock clockwork.Clock) *Bridge {
	return &Bridge{
		logger: logger.Named("bridge"),
		clock:  clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		events: make(chan core.SDKEvent, eventBuffer),
	}
}

// SetControls wires the game operations and scan handler. The bridge is
// constructed before the orchestrator, so wiring happens afterwards.
func (b *Bridge) SetControls(c Controls, h ScanHandler, stateFn func() (core.State, core.Payload)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.controls = c
	b.scanHandler = h
	b.stateFn = stateFn
}

// ServeWS upgrades the request and takes over the connection.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	stateFn := b.stateFn
	b.mu.Unlock()

	b.logger.Info("browser attached", zap.String("remote", conn.RemoteAddr().String()))

	if stateFn != nil {
		s, p := stateFn()
		b.StateChanged(s, p)
	}

	// The request context dies when the handler returns; dispatched
	// operations outlive it.
	go b.readPump(context.Background(), conn)
}

func (b *Bridge) readPump(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.mu.Unlock()
		_ = conn.Close()
		b.logger.Info("browser detached")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Warn("undecodable message", zap.Error(err))
			continue
		}
		b.dispatch(ctx, msg)
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg inbound) {
	b.mu.Lock()
	controls := b.controls
	scanHandler := b.scanHandler
	b.mu.Unlock()

	switch msg.Type {
	case "sdk_ready":
		b.pushEvent(core.SDKEvent{Type: core.SDKReady, DeviceID: msg.DeviceID})
	case "sdk_not_ready":
		b.pushEvent(core.SDKEvent{Type: core.SDKNotReady, DeviceID: msg.DeviceID})
	case "sdk_error":
		b.pushEvent(core.SDKEvent{Type: sdkErrorType(msg.Category), Message: msg.Message})
	case "scan":
		if scanHandler != nil {
			scanHandler(ctx, msg.Payload)
		}
	case "scan_stopped":
		b.signalStopAck()
	case "pause_ack":
		b.signalPauseAck(msg.OK)
	case "start_scan":
		if controls != nil {
			if err := controls.StartScan(ctx); err != nil {
				b.ErrorSurfaced(core.UserMessage(err))
			}
		}
	case "cancel_scan":
		if controls != nil {
			controls.CancelScan(ctx)
		}
	case "stop":
		if controls != nil {
			controls.StopRound(ctx)
		}
	case "next":
		if controls != nil {
			controls.Next(ctx)
		}
	case "ack_error":
		if controls != nil {
			controls.AcknowledgeError(ctx)
		}
	case "retry":
		if controls != nil {
			controls.Retry(ctx)
		}
	case "logout":
		if controls != nil {
			controls.Logout(ctx)
		}
	case "visibility":
		if msg.Hidden && controls != nil {
			controls.VisibilityHidden(ctx)
		}
	default:
		b.logger.Debug("unknown message type", zap.String("type", msg.Type))
	}
}

func sdkErrorType(category string) core.SDKEventType {
	switch category {
	case "initialization":
		return core.SDKInitializationError
	case "authentication":
		return core.SDKAuthenticationError
	case "account":
		return core.SDKAccountError
	default:
		return core.SDKPlaybackError
	}
}

func (b *Bridge) pushEvent(ev core.SDKEvent) {
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("event dropped, consumer stalled", zap.String("type", ev.Type.String()))
	}
}

func (b *Bridge) signalPauseAck(ok bool) {
	b.mu.Lock()
	ch := b.pauseAck
	b.pauseAck = nil
	b.mu.Unlock()
	if ch != nil {
		ch <- ok
	}
}

func (b *Bridge) signalStopAck() {
	b.mu.Lock()
	ch := b.stopAck
	b.stopAck = nil
	b.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (b *Bridge) send(msg outbound) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errors.New("no browser connected")
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

// Connect asks the browser to initialize the playback SDK. Readiness
// arrives later as an sdk_ready event.
func (b *Bridge) Connect(_ context.Context) error {
	return b.send(outbound{Type: "connect_sdk"})
}

// Events returns the stream of playback SDK events.
func (b *Bridge) Events() <-chan core.SDKEvent {
	return b.events
}

// Pause asks the browser-side SDK to pause and waits for the
// acknowledgement. A missing or negative ack is an error so the caller
// can fall back to the remote pause endpoint.
func (b *Bridge) Pause(ctx context.Context) error {
	ack := make(chan bool, 1)
	b.mu.Lock()
	b.pauseAck = ack
	b.mu.Unlock()

	if err := b.send(outbound{Type: "pause"}); err != nil {
		b.mu.Lock()
		b.pauseAck = nil
		b.mu.Unlock()
		return err
	}

	select {
	case ok := <-ack:
		if !ok {
			return errors.New("browser could not pause")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(ackTimeout):
		b.mu.Lock()
		b.pauseAck = nil
		b.mu.Unlock()
		return errors.New("pause acknowledgement timed out")
	}
}

// Disconnect tells the browser to tear down the SDK instance.
func (b *Bridge) Disconnect(_ context.Context) error {
	return b.send(outbound{Type: "disconnect_sdk"})
}

// Start asks the browser to open the camera and begin decoding.
func (b *Bridge) Start(_ context.Context) error {
	return b.send(outbound{Type: "start_scan"})
}

// Stop asks the browser to stop the decoder and waits until the browser
// confirms the camera is released, so a follow-up Start finds it free.
func (b *Bridge) Stop(ctx context.Context) error {
	ack := make(chan struct{})
	b.mu.Lock()
	b.stopAck = ack
	b.mu.Unlock()

	if err := b.send(outbound{Type: "stop_scan"}); err != nil {
		b.mu.Lock()
		b.stopAck = nil
		b.mu.Unlock()
		return err
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(ackTimeout):
		b.mu.Lock()
		b.stopAck = nil
		b.mu.Unlock()
		return errors.New("scan stop acknowledgement timed out")
	}
}

// StateChanged mirrors the game state to the table display.
func (b *Bridge) StateChanged(s core.State, p core.Payload) {
	err := b.send(outbound{
		Type:       "state",
		State:      s.String(),
		DeviceID:   p.DeviceID,
		Message:    p.Message,
		TrackLabel: p.TrackLabel,
		Title:      p.Title,
		Artist:     p.Artist,
		Repeat:     p.Repeat,
		Retryable:  p.Retryable,
	})
	if err != nil {
		b.logger.Debug("state not delivered", zap.Error(err))
	}
}

// Progress streams the countdown while a round is playing.
func (b *Bridge) Progress(elapsed, remaining time.Duration) {
	_ = b.send(outbound{
		Type:        "progress",
		ElapsedMs:   elapsed.Milliseconds(),
		RemainingMs: remaining.Milliseconds(),
	})
}

// ScanHint surfaces a nudge about unreadable cards.
func (b *Bridge) ScanHint(msg string) {
	if err := b.send(outbound{Type: "hint", Message: msg}); err != nil {
		b.logger.Debug("hint not delivered", zap.Error(err))
	}
}

// ErrorSurfaced surfaces a transient failure that did not change state.
func (b *Bridge) ErrorSurfaced(msg string) {
	if err := b.send(outbound{Type: "error", Message: msg}); err != nil {
		b.logger.Debug("error not delivered", zap.Error(err))
	}
}
