package core

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeSession struct {
	loggedIn bool
	cleared  bool
}

func (f *fakeSession) BeginLogin() (*LoginRequest, error) {
	return &LoginRequest{URL: "https://accounts.example/authorize"}, nil
}

func (f *fakeSession) CompleteCallback(context.Context, url.Values) (*CallbackResult, error) {
	return &CallbackResult{Handled: true, RedirectURL: "/"}, nil
}

func (f *fakeSession) IsLoggedIn() bool { return f.loggedIn }

func (f *fakeSession) EnsureValidToken(context.Context) (string, error) {
	if !f.loggedIn {
		return "", nil
	}
	return "token", nil
}

func (f *fakeSession) ClearAuth() error {
	f.cleared = true
	f.loggedIn = false
	return nil
}

type fakePlayer struct {
	mu          sync.Mutex
	deviceID    string
	transferErr error
	trackErr    error
	playErr     error
	pauseErr    error
	track       Track
	played      []int
	pauses      int
	transfers   int
	events      chan SDKEvent
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{
		deviceID: "device-1",
		track: Track{
			ID:         "6rqhFgbbKwnb9MLmUQDhG6",
			URI:        "spotify:track:6rqhFgbbKwnb9MLmUQDhG6",
			Title:      "Song 2",
			Artist:     "Blur",
			DurationMs: 121000,
		},
		events: make(chan SDKEvent, 4),
	}
}

func (f *fakePlayer) RegisterDevice(context.Context) error { return nil }

func (f *fakePlayer) TransferToLocalDevice(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	return f.transferErr
}

func (f *fakePlayer) GetTrackInfo(context.Context, string) (*Track, error) {
	if f.trackErr != nil {
		return nil, f.trackErr
	}
	track := f.track
	return &track, nil
}

func (f *fakePlayer) PlayAtPosition(_ context.Context, _ string, positionMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.played = append(f.played, positionMs)
	return nil
}

func (f *fakePlayer) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return f.pauseErr
}

func (f *fakePlayer) DeviceID() string        { return f.deviceID }
func (f *fakePlayer) Events() <-chan SDKEvent { return f.events }

type fakeScanner struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
}

func (f *fakeScanner) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeScanner) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

// fakeScheduler captures the one-shot so tests fire the exact stop by hand.
type fakeScheduler struct {
	mu        sync.Mutex
	onceFn    func()
	onceDelay time.Duration
	cancelled bool
}

func (f *fakeScheduler) RepeatEvery(time.Duration, func(time.Duration)) func() {
	return func() {}
}

func (f *fakeScheduler) Once(d time.Duration, fn func()) func() {
	f.mu.Lock()
	f.onceFn = fn
	f.onceDelay = d
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}
}

func (f *fakeScheduler) Now() time.Time { return time.Time{} }

func (f *fakeScheduler) fire() {
	f.mu.Lock()
	fn := f.onceFn
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakePlayed struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newFakePlayed() *fakePlayed { return &fakePlayed{ids: map[string]struct{}{}} }

func (f *fakePlayed) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}

func (f *fakePlayed) Add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[id] = struct{}{}
}

func (f *fakePlayed) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

func (f *fakePlayed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = map[string]struct{}{}
}

type recordingListener struct {
	mu     sync.Mutex
	states []State
	loads  []Payload
	errs   []string
}

func (l *recordingListener) StateChanged(s State, p Payload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
	l.loads = append(l.loads, p)
}

func (l *recordingListener) Progress(time.Duration, time.Duration) {}

func (l *recordingListener) ScanHint(string) {}

func (l *recordingListener) ErrorSurfaced(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, msg)
}

func (l *recordingListener) lastState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return State(-1)
	}
	return l.states[len(l.states)-1]
}

func (l *recordingListener) lastPayload() Payload {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.loads) == 0 {
		return Payload{}
	}
	return l.loads[len(l.loads)-1]
}

type orchFixture struct {
	orch     *Orchestrator
	session  *fakeSession
	player   *fakePlayer
	scanner  *fakeScanner
	sched    *fakeScheduler
	played   *fakePlayed
	listener *recordingListener
}

func newFixture() *orchFixture {
	session := &fakeSession{loggedIn: true}
	player := newFakePlayer()
	scanner := &fakeScanner{}
	sched := &fakeScheduler{}
	played := newFakePlayed()
	listener := &recordingListener{}

	orch := NewOrchestrator(
		DefaultConfig(),
		session,
		player,
		scanner,
		sched,
		func(durationMs, windowMs int) PlaybackWindow {
			return PlaybackWindow{OffsetMs: 5000, PlayMs: windowMs}
		},
		played,
		zap.NewNop(),
	)
	orch.SetListener(listener)

	return &orchFixture{
		orch:     orch,
		session:  session,
		player:   player,
		scanner:  scanner,
		sched:    sched,
		played:   played,
		listener: listener,
	}
}

// toReady walks the machine into the ready state the legal way.
func (f *orchFixture) toReady(t *testing.T) {
	t.Helper()
	f.orch.Bootstrap(context.Background())
	if s, _ := f.orch.CurrentState(); s != StateReady {
		t.Fatalf("bootstrap ended in %s, expected ready", s)
	}
}

func TestOrchestrator_BootstrapWithoutSession(t *testing.T) {
	f := newFixture()
	f.session.loggedIn = false

	f.orch.Bootstrap(context.Background())

	if s, _ := f.orch.CurrentState(); s != StateLoggedOut {
		t.Errorf("state = %s, expected logged_out", s)
	}
}

func TestOrchestrator_ScanToPlaying(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if s, _ := f.orch.CurrentState(); s != StateScanning {
		t.Fatalf("state = %s, expected scanning", s)
	}

	f.orch.TrackScanned(ctx, f.player.track.ID)

	s, p := f.orch.CurrentState()
	if s != StatePlaying {
		t.Fatalf("state = %s, expected playing", s)
	}
	if p.TrackLabel == "" {
		t.Error("playing payload should carry the track label")
	}
	if p.Repeat {
		t.Error("first play of a card should not be flagged as repeat")
	}

	f.player.mu.Lock()
	played := append([]int(nil), f.player.played...)
	f.player.mu.Unlock()
	if len(played) != 1 || played[0] != 5000 {
		t.Errorf("PlayAtPosition offsets = %v, expected [5000]", played)
	}

	if !f.played.Has(f.player.track.ID) {
		t.Error("track should be recorded as played")
	}
	if f.scanner.stops == 0 {
		t.Error("decoder should be stopped once a card is accepted")
	}
}

func TestOrchestrator_ExactStopRevealsDespitePauseFailure(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.orch.TrackScanned(ctx, f.player.track.ID)

	f.player.mu.Lock()
	f.player.pauseErr = errors.New("network down")
	f.player.mu.Unlock()

	f.sched.fire()

	s, p := f.orch.CurrentState()
	if s != StateReveal {
		t.Fatalf("state = %s, expected reveal even when pause fails", s)
	}
	if p.Title != "Song 2" || p.Artist != "Blur" {
		t.Errorf("reveal payload = %+v, expected full track metadata", p)
	}
}

func TestOrchestrator_StaleExactStopIsNoOp(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.orch.TrackScanned(ctx, f.player.track.ID)

	f.orch.StopRound(ctx)
	if s, _ := f.orch.CurrentState(); s != StateReady {
		t.Fatalf("state = %s, expected ready after stop", s)
	}

	// The one-shot of the superseded round fires late.
	f.sched.fire()

	if s, _ := f.orch.CurrentState(); s != StateReady {
		t.Errorf("stale exact stop changed state to %s", s)
	}
}

func TestOrchestrator_ScanDroppedWhileRoundInFlight(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.orch.TrackScanned(ctx, f.player.track.ID)

	// A second result arriving while the round is playing must be ignored.
	f.orch.TrackScanned(ctx, "0000000000000000000000")

	f.player.mu.Lock()
	plays := len(f.player.played)
	f.player.mu.Unlock()
	if plays != 1 {
		t.Errorf("play count = %d, expected the second scan to be dropped", plays)
	}
}

func TestOrchestrator_DoubleStartScanIsNoOp(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("second StartScan: %v", err)
	}

	f.scanner.mu.Lock()
	starts := f.scanner.starts
	f.scanner.mu.Unlock()
	if starts != 1 {
		t.Errorf("decoder started %d times, expected 1", starts)
	}
}

func TestOrchestrator_RoundStartFailureReturnsToReady(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	f.player.mu.Lock()
	f.player.transferErr = &DeviceError{Reason: "transfer retries exhausted"}
	f.player.mu.Unlock()

	f.orch.TrackScanned(ctx, f.player.track.ID)

	if s, _ := f.orch.CurrentState(); s != StateReady {
		t.Fatalf("state = %s, expected ready after failed round start", s)
	}
	f.listener.mu.Lock()
	surfaced := len(f.listener.errs)
	f.listener.mu.Unlock()
	if surfaced == 0 {
		t.Error("failed round start should surface an error message")
	}

	// The lock must be released; the next scan session starts cleanly.
	f.player.mu.Lock()
	f.player.transferErr = nil
	f.player.mu.Unlock()
	if err := f.orch.StartScan(ctx); err != nil {
		t.Errorf("StartScan after failed round: %v", err)
	}
}

func TestOrchestrator_RepeatCardFlagged(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	f.played.Add(f.player.track.ID)

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.orch.TrackScanned(ctx, f.player.track.ID)

	s, p := f.orch.CurrentState()
	if s != StatePlaying {
		t.Fatalf("state = %s, expected playing", s)
	}
	if !p.Repeat {
		t.Error("already-played card should be flagged as repeat")
	}
}

func TestOrchestrator_VisibilityHidden(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	// In ready: nothing happens.
	f.orch.VisibilityHidden(ctx)
	if s, _ := f.orch.CurrentState(); s != StateReady {
		t.Fatalf("state = %s, visibility change outside playing must be inert", s)
	}

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.orch.TrackScanned(ctx, f.player.track.ID)

	f.orch.VisibilityHidden(ctx)
	if s, _ := f.orch.CurrentState(); s != StateReady {
		t.Errorf("state = %s, expected ready after backgrounding mid-round", s)
	}
}

func TestOrchestrator_NextLeavesReveal(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.orch.TrackScanned(ctx, f.player.track.ID)
	f.sched.fire()

	if s, _ := f.orch.CurrentState(); s != StateReveal {
		t.Fatalf("expected reveal before Next")
	}

	f.orch.Next(ctx)
	if s, _ := f.orch.CurrentState(); s != StateReady {
		t.Errorf("state = %s, expected ready after Next", s)
	}
}

func TestOrchestrator_Logout(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	f.played.Add("some-track")

	f.orch.Logout(ctx)

	if s, _ := f.orch.CurrentState(); s != StateLoggedOut {
		t.Errorf("state = %s, expected logged_out", s)
	}
	if !f.session.cleared {
		t.Error("logout must clear the persisted session")
	}
	if f.played.Size() != 0 {
		t.Error("logout must clear the played-card memory")
	}
}

func TestOrchestrator_LogoutWhileScanning(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}

	f.orch.Logout(ctx)

	if s, _ := f.orch.CurrentState(); s != StateLoggedOut {
		t.Errorf("state = %s, expected logged_out after logout mid-scan", s)
	}
	if !f.session.cleared {
		t.Error("logout must clear the persisted session")
	}
	f.scanner.mu.Lock()
	stops := f.scanner.stops
	f.scanner.mu.Unlock()
	if stops != 1 {
		t.Errorf("scanner stops = %d, expected the scan session torn down", stops)
	}
}

func TestOrchestrator_LogoutWhilePlaying(t *testing.T) {
	f := newFixture()
	f.toReady(t)
	ctx := context.Background()

	if err := f.orch.StartScan(ctx); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	f.orch.TrackScanned(ctx, f.player.track.ID)
	if s, _ := f.orch.CurrentState(); s != StatePlaying {
		t.Fatalf("state = %s, expected playing before logout", s)
	}

	f.orch.Logout(ctx)

	if s, _ := f.orch.CurrentState(); s != StateLoggedOut {
		t.Errorf("state = %s, expected logged_out after logout mid-round", s)
	}
	if !f.session.cleared {
		t.Error("logout must clear the persisted session")
	}

	// The timer from the abandoned round must not resurrect the reveal.
	f.sched.fire()
	if s, _ := f.orch.CurrentState(); s != StateLoggedOut {
		t.Errorf("state = %s, a stale exact stop must stay a no-op", s)
	}
}

func TestOrchestrator_StartScanRejectedWhileLoggedOut(t *testing.T) {
	f := newFixture()
	f.session.loggedIn = false
	f.orch.Bootstrap(context.Background())

	if err := f.orch.StartScan(context.Background()); err == nil {
		t.Error("StartScan from logged_out should be rejected")
	}
}
