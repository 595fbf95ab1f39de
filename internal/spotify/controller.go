// Package spotify wraps the remote playback service and the local playback
// SDK behind the device controller used by the game orchestrator.
package spotify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/zmb3/spotify/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"hitspin/internal/core"
)

const (
	// UnknownTitle and UnknownArtist replace missing metadata fields.
	UnknownTitle  = "Unknown"
	UnknownArtist = "Unknown"

	// transferBackoffStep is multiplied by the attempt number between
	// transfer retries.
	transferBackoffStep = 250 * time.Millisecond

	// eventBuffer bounds the relayed SDK status event channel.
	eventBuffer = 16

	// trackCacheSize bounds the metadata cache; tracks are immutable once
	// fetched.
	trackCacheSize = 128

	httpTimeout = 15 * time.Second
)

// Controller implements core.PlaybackController. Every remote operation
// resolves a token first and fails with AuthError before touching the
// network when none is available.
type Controller struct {
	config *core.GameConfig
	auth   core.SessionManager
	sdk    core.PlayerSDK
	clock  clockwork.Clock
	logger *zap.Logger

	client *spotify.Client
	cache  *lru.Cache[string, core.Track]
	events chan core.SDKEvent

	mu        sync.Mutex
	deviceID  string
	ready     chan struct{}
	relaying  bool
	connected bool
}

func NewController(
	config *core.GameConfig,
	auth core.SessionManager,
	sdk core.PlayerSDK,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Controller {
	return newController(config, auth, sdk, clock, logger, nil)
}

func newController(
	config *core.GameConfig,
	auth core.SessionManager,
	sdk core.PlayerSDK,
	clock clockwork.Clock,
	logger *zap.Logger,
	base http.RoundTripper,
) *Controller {
	cache, _ := lru.New[string, core.Track](trackCacheSize)

	httpClient := &http.Client{
		Timeout: httpTimeout,
		Transport: &oauth2.Transport{
			Source: &tokenSource{auth: auth},
			Base:   base,
		},
	}

	return &Controller{
		config: config,
		auth:   auth,
		sdk:    sdk,
		clock:  clock,
		logger: logger,
		client: spotify.New(httpClient),
		cache:  cache,
		events: make(chan core.SDKEvent, eventBuffer),
		ready:  make(chan struct{}),
	}
}

// tokenSource adapts the session manager to the oauth2 transport. It is
// consulted on every request, so a silent refresh is picked up immediately.
type tokenSource struct {
	auth core.SessionManager
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.auth.EnsureValidToken(context.Background())
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, &core.AuthError{Reason: "not authenticated"}
	}
	return &oauth2.Token{AccessToken: token}, nil
}

func (c *Controller) Events() <-chan core.SDKEvent {
	return c.events
}

func (c *Controller) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// RegisterDevice bootstraps the playback SDK collaborator and waits for its
// ready event, bounded by the configured deadline.
func (c *Controller) RegisterDevice(ctx context.Context) error {
	if err := c.requireAuth(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.connected {
		c.connected = true
		c.mu.Unlock()
		if err := c.sdk.Connect(ctx); err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return &core.DeviceError{Reason: "playback SDK connect failed", Err: err}
		}
	} else {
		c.mu.Unlock()
	}

	c.startRelay()

	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(c.config.SDKReadyTimeout):
		// the connect attempt is abandoned; a retry must issue a fresh one
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return &core.TimeoutError{Op: "playback SDK ready", After: c.config.SDKReadyTimeout}
	}
}

// startRelay forwards SDK events to the controller's outbound channel and
// tracks the device handle through ready/not_ready.
func (c *Controller) startRelay() {
	c.mu.Lock()
	if c.relaying {
		c.mu.Unlock()
		return
	}
	c.relaying = true
	c.mu.Unlock()

	go func() {
		for ev := range c.sdk.Events() {
			c.mu.Lock()
			switch ev.Type {
			case core.SDKReady:
				c.deviceID = ev.DeviceID
				select {
				case <-c.ready:
				default:
					close(c.ready)
				}
			case core.SDKNotReady:
				// the handle is stale; transfers must fail fast now and the
				// next registration must reconnect from scratch
				c.deviceID = ""
				c.connected = false
				c.ready = make(chan struct{})
			}
			c.mu.Unlock()

			select {
			case c.events <- ev:
			default:
				c.logger.Warn("dropping SDK event, consumer too slow",
					zap.Stringer("type", ev.Type))
			}
		}
	}()
}

// TransferToLocalDevice points future playback commands at the registered
// device, retrying with linearly increasing backoff. The last classified
// error is surfaced after the bounded attempts are exhausted.
func (c *Controller) TransferToLocalDevice(ctx context.Context) error {
	if err := c.requireAuth(ctx); err != nil {
		return err
	}

	deviceID := c.DeviceID()
	if deviceID == "" {
		return &core.DeviceError{Reason: "no device registered"}
	}

	attempts := c.config.TransferRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.client.TransferPlayback(ctx, spotify.ID(deviceID), false)
		if err == nil {
			c.logger.Debug("playback transferred", zap.String("deviceID", deviceID))
			return nil
		}
		lastErr = classify(err)
		c.logger.Warn("playback transfer failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt < attempts {
			c.clock.Sleep(transferBackoffStep * time.Duration(attempt))
		}
	}

	return &core.DeviceError{Reason: "transfer retries exhausted", Err: lastErr}
}

// GetTrackInfo fetches track metadata, substituting placeholders for
// missing fields. Transport failures propagate classified.
func (c *Controller) GetTrackInfo(ctx context.Context, trackID string) (*core.Track, error) {
	if err := c.requireAuth(ctx); err != nil {
		return nil, err
	}

	if cached, ok := c.cache.Get(trackID); ok {
		return &cached, nil
	}

	full, err := c.client.GetTrack(ctx, spotify.ID(trackID))
	if err != nil {
		return nil, classify(err)
	}

	track := convertTrack(trackID, full)
	c.cache.Add(trackID, *track)

	c.logger.Debug("track fetched",
		zap.String("trackID", trackID),
		zap.Int("durationMs", track.DurationMs))

	return track, nil
}

// PlayAtPosition starts the given track on the registered device at a
// clamped non-negative offset.
func (c *Controller) PlayAtPosition(ctx context.Context, uri string, positionMs int) error {
	if err := c.requireAuth(ctx); err != nil {
		return err
	}

	deviceID := c.DeviceID()
	if deviceID == "" {
		return &core.DeviceError{Reason: "no device registered"}
	}

	if positionMs < 0 {
		positionMs = 0
	}

	id := spotify.ID(deviceID)
	err := c.client.PlayOpt(ctx, &spotify.PlayOptions{
		DeviceID:   &id,
		URIs:       []spotify.URI{spotify.URI(uri)},
		PositionMs: positionMs,
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Pause prefers the SDK-local pause (no network round-trip) and falls back
// to the remote API; only the fallback failure propagates.
func (c *Controller) Pause(ctx context.Context) error {
	if err := c.requireAuth(ctx); err != nil {
		return err
	}

	if c.sdk != nil {
		err := c.sdk.Pause(ctx)
		if err == nil {
			return nil
		}
		c.logger.Debug("local pause failed, falling back to API", zap.Error(err))
	}

	var err error
	if deviceID := c.DeviceID(); deviceID != "" {
		id := spotify.ID(deviceID)
		err = c.client.PauseOpt(ctx, &spotify.PlayOptions{DeviceID: &id})
	} else {
		err = c.client.Pause(ctx)
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Controller) requireAuth(ctx context.Context) error {
	token, err := c.auth.EnsureValidToken(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return &core.AuthError{Reason: "not authenticated"}
	}
	return nil
}

// classify maps API failures onto the error taxonomy; the status-based
// presentation categories never change retry behavior.
func classify(err error) error {
	var serr spotify.Error
	if errors.As(err, &serr) {
		return &core.NetworkError{Status: serr.Status, Body: serr.Message}
	}
	return err
}

func convertTrack(trackID string, full *spotify.FullTrack) *core.Track {
	title := full.Name
	if title == "" {
		title = UnknownTitle
	}

	artist := ""
	for i, a := range full.Artists {
		if i > 0 {
			artist += ", "
		}
		artist += a.Name
	}
	if artist == "" {
		artist = UnknownArtist
	}

	uri := string(full.URI)
	if uri == "" {
		uri = "spotify:track:" + trackID
	}

	return &core.Track{
		ID:         trackID,
		URI:        uri,
		Title:      title,
		Artist:     artist,
		DurationMs: int(full.Duration),
	}
}
