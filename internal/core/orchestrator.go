package core

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pauseDeadline bounds best-effort pause calls made outside a request flow,
// such as the exact-stop handler.
const pauseDeadline = 5 * time.Second

// Orchestrator owns the game session: the state machine, the playback and
// scan locks, and the identity of the in-flight round. All lock and state
// mutations funnel through it; components stay lock-free.
type Orchestrator struct {
	config       *Config
	auth         SessionManager
	player       PlaybackController
	scanner      ScanSource
	sched        Scheduler
	selectOffset OffsetSelector
	played       PlayedStore
	logger       *zap.Logger

	machine *Machine

	mu           sync.Mutex
	listener     Listener
	playbackLock bool
	scanLock     bool
	roundID      string
	currentTrack *Track
	currentRept  bool
	stopTick     func()
	cancelStop   func()
	baseCtx      context.Context
}

func NewOrchestrator(
	config *Config,
	auth SessionManager,
	player PlaybackController,
	scanner ScanSource,
	sched Scheduler,
	selectOffset OffsetSelector,
	played PlayedStore,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		config:       config,
		auth:         auth,
		player:       player,
		scanner:      scanner,
		sched:        sched,
		selectOffset: selectOffset,
		played:       played,
		logger:       logger,
		machine:      NewMachine(),
		baseCtx:      context.Background(),
	}
}

// SetListener wires the UI-facing notification sink. Must be called before
// Run; a nil listener is tolerated.
func (o *Orchestrator) SetListener(l Listener) {
	o.mu.Lock()
	o.listener = l
	o.mu.Unlock()
}

func (o *Orchestrator) CurrentState() (State, Payload) {
	return o.machine.Current()
}

// Run consumes playback SDK status events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	o.logger.Info("orchestrator running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-o.player.Events():
			o.handleSDKEvent(ev)
		}
	}
}

func (o *Orchestrator) handleSDKEvent(ev SDKEvent) {
	switch ev.Type {
	case SDKReady:
		if o.machine.State() == StateLoggingIn {
			o.transition(StateLoggingIn, Payload{DeviceID: ev.DeviceID})
		}
	case SDKNotReady:
		o.logger.Warn("playback device went away", zap.String("deviceID", ev.DeviceID))
	case SDKAuthenticationError, SDKAccountError:
		o.transition(StateError, Payload{Message: ev.Message})
	case SDKInitializationError:
		o.transition(StateError, Payload{Message: ev.Message, Retryable: true})
	case SDKPlaybackError:
		o.logger.Warn("playback error", zap.String("message", ev.Message))
		o.notifyError(ev.Message)
	}
}

// Bootstrap puts the machine into its initial state: logged_out when no
// usable token exists, otherwise device init towards ready.
func (o *Orchestrator) Bootstrap(ctx context.Context) {
	if !o.auth.IsLoggedIn() {
		o.transition(StateLoggedOut, Payload{})
		return
	}
	o.connectAndReady(ctx)
}

// BeginLogin produces the authorization URL for the client to navigate to.
func (o *Orchestrator) BeginLogin(_ context.Context) (string, error) {
	o.transition(StateLoggingIn, Payload{})

	req, err := o.auth.BeginLogin()
	if err != nil {
		o.transition(StateLoggedOut, Payload{})
		o.notifyError(UserMessage(err))
		return "", err
	}
	return req.URL, nil
}

// HandleCallback processes the redirect leg of the login. On a completed
// exchange the device bootstrap continues in the background so the caller
// can immediately redirect to the stripped location.
func (o *Orchestrator) HandleCallback(ctx context.Context, query url.Values) (string, error) {
	res, err := o.auth.CompleteCallback(ctx, query)
	if err != nil {
		o.transition(StateLoggedOut, Payload{})
		o.notifyError(UserMessage(err))
		return "", err
	}

	if !res.Handled {
		o.Bootstrap(ctx)
		return "", nil
	}

	go o.connectAndReady(o.base())
	return res.RedirectURL, nil
}

// Retry re-runs the device bootstrap after a retryable error.
func (o *Orchestrator) Retry(ctx context.Context) {
	if !o.auth.IsLoggedIn() {
		o.transition(StateLoggedOut, Payload{})
		return
	}
	o.connectAndReady(ctx)
}

func (o *Orchestrator) connectAndReady(ctx context.Context) {
	o.transition(StateLoggingIn, Payload{})

	if err := o.player.RegisterDevice(ctx); err != nil {
		o.logger.Error("device registration failed", zap.Error(err))
		o.transition(StateError, Payload{Message: UserMessage(err), Retryable: true})
		return
	}
	o.transition(StateLoggingIn, Payload{DeviceID: o.player.DeviceID()})

	if err := o.player.TransferToLocalDevice(ctx); err != nil {
		o.logger.Error("playback transfer failed", zap.Error(err))
		o.transition(StateError, Payload{Message: UserMessage(err), Retryable: true})
		return
	}

	o.transition(StateReady, o.readyPayload())
}

// StartScan opens a scanning session. At most one session is active; a
// second request is a no-op while the lock is held.
func (o *Orchestrator) StartScan(ctx context.Context) error {
	if s := o.machine.State(); s != StateReady && s != StateScanning {
		return fmt.Errorf("cannot scan from state %s", s)
	}

	o.mu.Lock()
	if o.scanLock {
		o.mu.Unlock()
		return nil
	}
	o.scanLock = true
	o.mu.Unlock()

	// nothing may keep playing into a scan session
	o.abortRound()
	if err := o.player.Pause(ctx); err != nil {
		o.logger.Debug("pause before scan failed", zap.Error(err))
	}

	o.transition(StateScanning, o.readyPayload())

	if err := o.scanner.Start(ctx); err != nil {
		o.mu.Lock()
		o.scanLock = false
		o.mu.Unlock()
		o.transition(StateReady, o.readyPayload())
		o.notifyError("Could not start the scanner. Check camera permissions.")
		return err
	}
	return nil
}

// CancelScan tears the scan session down. The decoder stop is awaited so
// the camera is released before another session can start; its error is
// deliberately discarded.
func (o *Orchestrator) CancelScan(ctx context.Context) {
	o.mu.Lock()
	if !o.scanLock {
		o.mu.Unlock()
		return
	}
	o.scanLock = false
	o.mu.Unlock()

	if err := o.scanner.Stop(ctx); err != nil {
		o.logger.Debug("scanner stop failed", zap.Error(err))
	}
	o.transition(StateReady, o.readyPayload())
}

// TrackScanned receives a resolved identifier from the input gate. It is
// honored only while the scan lock is held and no round is in flight;
// otherwise the event is dropped without error.
func (o *Orchestrator) TrackScanned(ctx context.Context, trackID string) {
	o.mu.Lock()
	if !o.scanLock || o.playbackLock {
		scanOpen, inFlight := o.scanLock, o.playbackLock
		o.mu.Unlock()
		o.logger.Debug("scan result dropped",
			zap.String("trackID", trackID),
			zap.Bool("scanOpen", scanOpen),
			zap.Bool("roundInFlight", inFlight))
		return
	}
	o.scanLock = false
	o.mu.Unlock()

	if err := o.scanner.Stop(ctx); err != nil {
		o.logger.Debug("scanner stop failed", zap.Error(err))
	}

	if err := o.startRound(ctx, trackID); err != nil {
		o.logger.Error("round failed to start", zap.String("trackID", trackID), zap.Error(err))
		o.abortRound()
		if perr := o.player.Pause(ctx); perr != nil {
			o.logger.Debug("pause after failed round start", zap.Error(perr))
		}
		o.transition(StateReady, o.readyPayload())
		o.notifyError(UserMessage(err))
	}
}

func (o *Orchestrator) startRound(ctx context.Context, trackID string) error {
	o.mu.Lock()
	if o.playbackLock {
		o.mu.Unlock()
		return nil
	}
	o.playbackLock = true
	round := uuid.NewString()
	o.roundID = round
	o.mu.Unlock()

	// the device may have changed hands since the last round
	if err := o.player.TransferToLocalDevice(ctx); err != nil {
		return err
	}

	track, err := o.player.GetTrackInfo(ctx, trackID)
	if err != nil {
		return err
	}

	repeat := o.played.Has(track.ID)
	if repeat {
		o.logger.Info("card already played this party", zap.String("trackID", track.ID))
	} else {
		o.played.Add(track.ID)
	}

	win := o.selectOffset(track.DurationMs, int(o.config.Game.PlayWindow.Milliseconds()))

	o.mu.Lock()
	o.currentTrack = track
	o.currentRept = repeat
	o.mu.Unlock()

	o.logger.Info("round starting",
		zap.String("round", round),
		zap.String("trackID", track.ID),
		zap.Int("offsetMs", win.OffsetMs),
		zap.Int("playMs", win.PlayMs))

	o.transition(StatePlaying, Payload{
		DeviceID:   o.player.DeviceID(),
		TrackLabel: track.Label(),
		Repeat:     repeat,
	})

	if err := o.player.PlayAtPosition(ctx, track.URI, win.OffsetMs); err != nil {
		return err
	}

	o.startTimers(round, win.PlayMs)
	return nil
}

// startTimers arms both mechanisms: the progress tick for display and the
// independent exact stop that owns the audible cutoff.
func (o *Orchestrator) startTimers(round string, playMs int) {
	total := time.Duration(playMs) * time.Millisecond

	stopTick := o.sched.RepeatEvery(o.config.Game.ProgressTick, func(elapsed time.Duration) {
		remaining := total - elapsed
		if remaining < 0 {
			remaining = 0
		}
		o.notifyProgress(elapsed, remaining)
	})

	o.mu.Lock()
	o.stopTick = stopTick
	o.mu.Unlock()

	cancelStop := o.sched.Once(total, func() {
		o.finishRound(round)
	})

	o.mu.Lock()
	o.cancelStop = cancelStop
	o.mu.Unlock()
}

// finishRound is the exact-stop handler. It re-validates that this round is
// still the current one and the game is still playing; a stale timer from a
// superseded round must be a no-op. A failing pause never blocks the reveal.
func (o *Orchestrator) finishRound(round string) {
	o.mu.Lock()
	if round != o.roundID || o.machine.State() != StatePlaying {
		o.mu.Unlock()
		o.logger.Debug("stale exact-stop ignored", zap.String("round", round))
		return
	}
	track := o.currentTrack
	repeat := o.currentRept
	stopTick := o.stopTick
	o.stopTick, o.cancelStop = nil, nil
	o.playbackLock = false
	o.roundID = ""
	o.mu.Unlock()

	if stopTick != nil {
		stopTick()
	}

	ctx, cancel := context.WithTimeout(o.base(), pauseDeadline)
	defer cancel()
	if err := o.player.Pause(ctx); err != nil {
		o.logger.Warn("pause failed at exact stop, revealing anyway", zap.Error(err))
	}

	o.transition(StateReveal, Payload{
		DeviceID: o.player.DeviceID(),
		Title:    track.Title,
		Artist:   track.Artist,
		Repeat:   repeat,
	})
}

// StopRound is the user-initiated stop: clear the pending exact stop,
// release the playback lock, pause best-effort, back to ready.
func (o *Orchestrator) StopRound(ctx context.Context) {
	if !o.abortRound() {
		return
	}
	if err := o.player.Pause(ctx); err != nil {
		o.logger.Debug("pause on stop failed", zap.Error(err))
	}
	o.transition(StateReady, o.readyPayload())
}

// VisibilityHidden reacts to the page going to background: no audio may
// keep playing on a locked phone, and the round cannot survive it.
func (o *Orchestrator) VisibilityHidden(ctx context.Context) {
	if o.machine.State() != StatePlaying {
		return
	}
	o.StopRound(ctx)
}

// Next leaves the reveal and readies the next card.
func (o *Orchestrator) Next(_ context.Context) {
	o.mu.Lock()
	o.currentTrack = nil
	o.mu.Unlock()
	o.transition(StateReady, o.readyPayload())
}

// AcknowledgeError leaves the error state towards ready if a session still
// exists, logged_out otherwise.
func (o *Orchestrator) AcknowledgeError(_ context.Context) {
	if o.auth.IsLoggedIn() {
		o.transition(StateReady, o.readyPayload())
		return
	}
	o.transition(StateLoggedOut, Payload{})
}

// Logout tears everything down and wipes the persisted session.
func (o *Orchestrator) Logout(ctx context.Context) {
	o.CancelScanQuiet(ctx)
	o.abortRound()
	if err := o.player.Pause(ctx); err != nil {
		o.logger.Debug("pause on logout failed", zap.Error(err))
	}
	if err := o.auth.ClearAuth(); err != nil {
		o.logger.Warn("failed to clear auth state", zap.Error(err))
	}
	o.played.Clear()
	// scanning and playing have no direct edge to logged_out; the teardown
	// above already put the session back to a ready footing.
	if s := o.machine.State(); s == StateScanning || s == StatePlaying {
		o.transition(StateReady, o.readyPayload())
	}
	o.transition(StateLoggedOut, Payload{})
}

// CancelScanQuiet releases the scan session without a state transition,
// used on teardown paths that set their own final state.
func (o *Orchestrator) CancelScanQuiet(ctx context.Context) {
	o.mu.Lock()
	open := o.scanLock
	o.scanLock = false
	o.mu.Unlock()
	if !open {
		return
	}
	if err := o.scanner.Stop(ctx); err != nil {
		o.logger.Debug("scanner stop failed", zap.Error(err))
	}
}

// abortRound cancels the timers and releases the playback lock. Reports
// whether a round was actually in flight.
func (o *Orchestrator) abortRound() bool {
	o.mu.Lock()
	if !o.playbackLock {
		o.mu.Unlock()
		return false
	}
	stopTick, cancelStop := o.stopTick, o.cancelStop
	o.stopTick, o.cancelStop = nil, nil
	o.playbackLock = false
	o.roundID = ""
	o.currentTrack = nil
	o.mu.Unlock()

	if cancelStop != nil {
		cancelStop()
	}
	if stopTick != nil {
		stopTick()
	}
	return true
}

func (o *Orchestrator) readyPayload() Payload {
	return Payload{DeviceID: o.player.DeviceID()}
}

func (o *Orchestrator) transition(to State, p Payload) {
	if err := o.machine.Transition(to, p); err != nil {
		o.logger.Warn("transition rejected", zap.Error(err))
		return
	}
	o.logger.Debug("state changed", zap.Stringer("state", to))
	if l := o.getListener(); l != nil {
		l.StateChanged(to, p)
	}
}

func (o *Orchestrator) notifyProgress(elapsed, remaining time.Duration) {
	if l := o.getListener(); l != nil {
		l.Progress(elapsed, remaining)
	}
}

func (o *Orchestrator) notifyError(msg string) {
	if l := o.getListener(); l != nil {
		l.ErrorSurfaced(msg)
	}
}

func (o *Orchestrator) getListener() Listener {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.listener
}

func (o *Orchestrator) base() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseCtx
}
