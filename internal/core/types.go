package core

import (
	"context"
	"net/url"
	"time"
)

const (
	// TrackIDLength is the length of a Spotify track identifier.
	TrackIDLength = 22
	// maxTrackLabelLen bounds the label shown while a round is playing.
	maxTrackLabelLen = 32
)

// Track is immutable once fetched, keyed by its 22-character identifier.
type Track struct {
	ID         string
	URI        string
	Title      string
	Artist     string
	DurationMs int
}

// Label renders "Title - Artist" truncated for the playing display.
func (t Track) Label() string {
	label := []rune(t.Title + " - " + t.Artist)
	if len(label) > maxTrackLabelLen {
		return string(label[:maxTrackLabelLen]) + "…"
	}
	return string(label)
}

// PlaybackWindow is the per-round excerpt: start offset and play length.
type PlaybackWindow struct {
	OffsetMs int
	PlayMs   int
}

type SDKEventType int

const (
	// SDKReady carries the device handle produced by the playback SDK.
	SDKReady SDKEventType = iota
	// SDKNotReady signals the backing device went away; the handle is stale.
	SDKNotReady
	// SDKInitializationError through SDKPlaybackError mirror the four error
	// categories of the playback SDK event contract.
	SDKInitializationError
	SDKAuthenticationError
	SDKAccountError
	SDKPlaybackError
)

func (t SDKEventType) String() string {
	switch t {
	case SDKReady:
		return "ready"
	case SDKNotReady:
		return "not_ready"
	case SDKInitializationError:
		return "initialization_error"
	case SDKAuthenticationError:
		return "authentication_error"
	case SDKAccountError:
		return "account_error"
	case SDKPlaybackError:
		return "playback_error"
	default:
		return "unknown"
	}
}

// SDKEvent is one typed status event from the playback SDK collaborator.
type SDKEvent struct {
	Type     SDKEventType
	DeviceID string
	Message  string
}

// LoginRequest describes the authorization redirect; navigation itself is
// the caller's responsibility.
type LoginRequest struct {
	URL string
}

// CallbackResult reports whether a redirect query was an auth callback and,
// if so, where the client should navigate to drop the transient parameters.
type CallbackResult struct {
	Handled     bool
	RedirectURL string
}

// SessionManager owns the token lifecycle and the persisted auth entries.
type SessionManager interface {
	BeginLogin() (*LoginRequest, error)
	CompleteCallback(ctx context.Context, query url.Values) (*CallbackResult, error)
	IsLoggedIn() bool
	// EnsureValidToken returns a usable access token, refreshing silently if
	// needed. An empty token with a nil error means re-authentication is
	// required; refresh failure is absorbed into a soft logout.
	EnsureValidToken(ctx context.Context) (string, error)
	ClearAuth() error
}

// PlaybackController wraps the remote playback service and the local SDK.
type PlaybackController interface {
	RegisterDevice(ctx context.Context) error
	TransferToLocalDevice(ctx context.Context) error
	GetTrackInfo(ctx context.Context, trackID string) (*Track, error)
	PlayAtPosition(ctx context.Context, uri string, positionMs int) error
	Pause(ctx context.Context) error
	DeviceID() string
	Events() <-chan SDKEvent
}

// PlayerSDK is the playback SDK collaborator: only its event contract is
// consumed here, the bootstrap handshake lives on the other side.
type PlayerSDK interface {
	Connect(ctx context.Context) error
	Events() <-chan SDKEvent
	Pause(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// ScanSource is the scan-decoder collaborator. Stop must complete the
// decoder teardown before it returns so a new session can start cleanly.
type ScanSource interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Scheduler is the single timing abstraction: a repeating progress tick and
// an independently scheduled, cancellable one-shot share one clock.
type Scheduler interface {
	RepeatEvery(interval time.Duration, fn func(elapsed time.Duration)) (stop func())
	Once(d time.Duration, fn func()) (cancel func())
	Now() time.Time
}

// OffsetSelector picks the excerpt window for a track of the given length.
type OffsetSelector func(durationMs, windowMs int) PlaybackWindow

// KV is the durable client-side key-value store holding the auth entries.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Put(key, value string) error
	Delete(key string) error
}

// PlayedStore remembers which cards were already played this party.
type PlayedStore interface {
	Has(trackID string) bool
	Add(trackID string)
	Size() int
	Clear()
}

// Listener receives UI-facing notifications from the orchestrator.
// ErrorSurfaced carries failures that return the game to ready instead of
// entering the error state, such as a round that could not start.
type Listener interface {
	StateChanged(s State, p Payload)
	Progress(elapsed, remaining time.Duration)
	ScanHint(msg string)
	ErrorSurfaced(msg string)
}
