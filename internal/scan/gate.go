// Package scan turns raw decoder payloads into track identifiers. It
// debounces the camera's repeated reads and rejects payloads that do not
// carry a Spotify track reference.
package scan

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"hitspin/internal/core"
)

var (
	trackURIRegex  = regexp.MustCompile(`spotify:track:([A-Za-z0-9]{22})`)
	trackLinkRegex = regexp.MustCompile(`open\.spotify\.com/track/([A-Za-z0-9]{22})`)
	trackPathRegex = regexp.MustCompile(`/track/([A-Za-z0-9]{22})\?`)
)

// shortLinkDomain marks payloads we recognize but cannot resolve without
// following a redirect.
const shortLinkDomain = "spotify.link"

// missHintThreshold is the number of consecutive unusable payloads before
// the player gets a nudge about card orientation.
const missHintThreshold = 3

// ParseTrackID extracts a 22-character track identifier from a scanned
// payload. Payloads are NFKC-normalized first so full-width characters
// from some decoder stacks still match.
func ParseTrackID(payload string) (string, error) {
	p := norm.NFKC.String(strings.TrimSpace(payload))

	if m := trackURIRegex.FindStringSubmatch(p); m != nil {
		return m[1], nil
	}
	if m := trackLinkRegex.FindStringSubmatch(p); m != nil {
		return m[1], nil
	}
	if m := trackPathRegex.FindStringSubmatch(p); m != nil {
		return m[1], nil
	}
	if strings.Contains(p, shortLinkDomain) {
		return "", &core.InputError{Payload: payload, Unsupported: true}
	}
	return "", &core.InputError{Payload: payload}
}

// Sink receives identifiers that survive the gate.
type Sink interface {
	TrackScanned(ctx context.Context, trackID string)
}

// Gate filters the decoder's payload stream. A camera pointed at a card
// fires the same payload many times per second; the gate forwards at most
// one payload per debounce window, and the same payload never twice in a
// row regardless of how much time has passed. The second rule means a
// session must be Reset before the last card can be read again.
type Gate struct {
	debounce time.Duration
	clock    clockwork.Clock
	logger   *zap.Logger
	sink     Sink
	hint     func(msg string)

	mu          sync.Mutex
	lastPayload string
	lastScan    time.Time
	misses      int
}

func NewGate(debounce time.Duration, clock clockwork.Clock, logger *zap.Logger, sink Sink, hint func(msg string)) *Gate {
	return &Gate{
		debounce: debounce,
		clock:    clock,
		logger:   logger.Named("scan"),
		sink:     sink,
		hint:     hint,
	}
}

// HandleScan processes one decoded payload. Debounce bookkeeping happens
// before parsing so a flood of unreadable frames is throttled the same
// way a flood of valid ones is.
func (g *Gate) HandleScan(ctx context.Context, payload string) {
	g.mu.Lock()
	now := g.clock.Now()
	if now.Sub(g.lastScan) < g.debounce {
		g.mu.Unlock()
		return
	}
	if payload != "" && payload == g.lastPayload {
		g.mu.Unlock()
		return
	}
	g.lastPayload = payload
	g.lastScan = now
	g.mu.Unlock()

	trackID, err := ParseTrackID(payload)
	if err != nil {
		g.recordMiss(payload, err)
		return
	}

	g.mu.Lock()
	g.misses = 0
	g.mu.Unlock()

	g.logger.Debug("payload accepted", zap.String("track_id", trackID))
	g.sink.TrackScanned(ctx, trackID)
}

func (g *Gate) recordMiss(payload string, err error) {
	g.mu.Lock()
	g.misses++
	misses := g.misses
	g.mu.Unlock()

	var inputErr *core.InputError
	unsupported := false
	if e, ok := err.(*core.InputError); ok {
		inputErr = e
		unsupported = e.Unsupported
	}
	g.logger.Debug("payload rejected",
		zap.Int("length", len(payload)),
		zap.Bool("unsupported", unsupported),
		zap.Int("consecutive_misses", misses))

	if g.hint == nil {
		return
	}
	if inputErr != nil && inputErr.Unsupported {
		g.hint("Short links can't be read. Use a card with a spotify.com or spotify: code.")
		return
	}
	if misses >= missHintThreshold {
		g.hint("No track code found. Hold the card flat and fill the frame with the QR code.")
	}
}

// Reset clears the debounce and miss state. Call it when a new scan
// session starts so the first read of a card is never swallowed by the
// previous session's history.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastPayload = ""
	g.lastScan = time.Time{}
	g.misses = 0
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, trackID string)

func (f SinkFunc) TrackScanned(ctx context.Context, trackID string) { f(ctx, trackID) }

// Source couples a decoder with the gate: every scan session starts with
// a clean gate, so the first read of a card is never swallowed by the
// previous session's history.
type Source struct {
	src  core.ScanSource
	gate *Gate
}

func NewSource(src core.ScanSource, gate *Gate) *Source {
	return &Source{src: src, gate: gate}
}

func (s *Source) Start(ctx context.Context) error {
	s.gate.Reset()
	return s.src.Start(ctx)
}

func (s *Source) Stop(ctx context.Context) error {
	return s.src.Stop(ctx)
}
