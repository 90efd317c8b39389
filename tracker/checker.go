package tracker

import (
	"bytes"
	"context"
	"net/http"

	bencode "github.com/jackpal/bencode-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vaguilera/btprobe/torrent"
)

// DefaultCheckLimit bounds concurrent probes when the caller passes no limit.
const DefaultCheckLimit = 50

// probeInfoHash is a well-known public torrent; trackers answer it even when
// they do not track it.
const probeInfoHash torrent.InfoHash = "8a19577fb5f690970ca43a57ff1011ae202244b8"

// Checker reports whether trackers are alive. Unlike Announce it never
// returns errors: every failure means "not live" and is only logged.
type Checker struct {
	cfg   Config
	log   *zap.Logger
	probe func(ctx context.Context, rawURL string) bool
}

func NewChecker(cfg Config, log *zap.Logger) *Checker {
	c := &Checker{cfg: cfg, log: orGlobal(log)}
	c.probe = c.Check
	return c
}

// CheckMany probes every URL with at most limit probes in flight and returns
// once all of them have an answer.
func (c *Checker) CheckMany(ctx context.Context, urls []string, limit int) map[string]bool {
	if limit <= 0 {
		limit = DefaultCheckLimit
	}

	// one slot per input, so workers never share a write target
	results := make([]bool, len(urls))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			results[i] = c.probe(ctx, u)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]bool, len(urls))
	for i, u := range urls {
		out[u] = out[u] || results[i]
	}
	return out
}

// Check probes a single tracker. Unsupported or malformed URLs are not live
// and cause no I/O.
func (c *Checker) Check(ctx context.Context, rawURL string) bool {
	log := c.log.With(zap.String("tracker", rawURL))

	t, err := New(rawURL, c.cfg, c.log)
	if err != nil {
		log.Warn("unsupported tracker", zap.Error(err))
		return false
	}

	switch t := t.(type) {
	case *HTTPTracker:
		return c.checkHTTP(ctx, t, log)
	case *UDPTracker:
		return c.checkUDP(ctx, t, log)
	default:
		return false
	}
}

// checkHTTP sends a stopped announce for the probe hash. Only a 200 carrying
// valid bencoding counts.
func (c *Checker) checkHTTP(ctx context.Context, t *HTTPTracker, log *zap.Logger) bool {
	req := NewAnnounceRequest(probeInfoHash, torrent.DefaultPeerID, EventStopped)

	status, body, err := t.fetch(ctx, req)
	if err != nil {
		log.Warn("tracker unreachable", zap.Error(err))
		return false
	}

	switch status {
	case http.StatusOK:
		if _, err := bencode.Decode(bytes.NewReader(body)); err != nil {
			log.Warn("invalid response format", zap.Error(err))
			return false
		}
		log.Info("tracker active")
		return true
	case http.StatusBadRequest:
		log.Warn("tracker active but rejected the request", zap.Int("status", status))
		return false
	default:
		log.Warn("tracker responded but not valid", zap.Int("status", status))
		return false
	}
}

func (c *Checker) checkUDP(ctx context.Context, t *UDPTracker, log *zap.Logger) bool {
	if _, err := t.Connect(ctx); err != nil {
		log.Warn("tracker unreachable", zap.Error(err))
		return false
	}
	log.Info("tracker active")
	return true
}
