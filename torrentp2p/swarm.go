package torrentp2p

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vaguilera/btprobe/bitfield"
	"github.com/vaguilera/btprobe/torrent"
	"github.com/vaguilera/btprobe/tracker"
)

// Swarm collects peers for one torrent from its trackers and surveys what
// each of them has.
type Swarm struct {
	torrent    *torrent.Descriptor
	selfID     torrent.PeerID
	trackerCfg tracker.Config
	cfg        Config
	log        *zap.Logger
}

// PeerReport is the outcome of surveying one peer. Err is set when the
// handshake or the drain failed; whatever was learned before is kept.
type PeerReport struct {
	Addr     torrent.PeerAddr
	RemoteID torrent.PeerID
	Bitfield bitfield.Bitfield
	Messages int
	Err      error
}

func NewSwarm(d *torrent.Descriptor, selfID torrent.PeerID, trackerCfg tracker.Config, cfg Config, log *zap.Logger) *Swarm {
	if log == nil {
		log = zap.L()
	}
	return &Swarm{
		torrent:    d,
		selfID:     selfID,
		trackerCfg: trackerCfg,
		cfg:        cfg,
		log:        log.With(zap.String("info_hash", d.InfoHash().String())),
	}
}

// Discover announces to every tracker, at most limit at a time, and adds the
// returned peers to the descriptor in tracker order. It returns how many
// peers were new and fails only when no tracker answered.
func (s *Swarm) Discover(ctx context.Context, urls []string, req tracker.AnnounceRequest, limit int) (int, error) {
	if limit <= 0 {
		limit = tracker.DefaultCheckLimit
	}
	req.InfoHash = s.torrent.InfoHash()
	if req.PeerID == "" {
		req.PeerID = s.selfID
	}

	results := make([]*tracker.AnnounceResult, len(urls))
	errs := make([]error, len(urls))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, u := range urls {
		g.Go(func() error {
			results[i], errs[i] = s.announce(ctx, u, req)
			return nil
		})
	}
	g.Wait()

	var (
		added    int
		answered int
		err      error
	)
	for i, res := range results {
		if errs[i] != nil {
			err = multierr.Append(err, errs[i])
			continue
		}
		answered++
		added += s.torrent.AddPeers(res.Peers...)
	}
	if answered == 0 && len(urls) > 0 {
		return 0, err
	}
	s.log.Info("peers discovered", zap.Int("new", added), zap.Int("trackers", answered))
	return added, nil
}

func (s *Swarm) announce(ctx context.Context, rawURL string, req tracker.AnnounceRequest) (*tracker.AnnounceResult, error) {
	t, err := tracker.New(rawURL, s.trackerCfg, s.log)
	if err != nil {
		return nil, err
	}
	res, err := tracker.AnnounceWithRetry(ctx, t, req, s.trackerCfg)
	if err != nil {
		s.log.Warn("announce failed", zap.String("tracker", rawURL), zap.Error(err))
		return nil, err
	}
	return res, nil
}

type surveyJob struct {
	index int
	addr  torrent.PeerAddr
}

// Survey handshakes with every known peer using numWorkers connections at a
// time and drains what each peer sends unprompted. Reports are in the order
// of Descriptor.Peers.
func (s *Swarm) Survey(ctx context.Context, numWorkers int) []PeerReport {
	peers := s.torrent.Peers()
	if numWorkers <= 0 {
		numWorkers = 1
	}
	s.log.Debug("surveying peers", zap.Int("peers", len(peers)), zap.Int("workers", numWorkers))

	peersQueue := make(chan surveyJob, len(peers))
	for i, addr := range peers {
		peersQueue <- surveyJob{index: i, addr: addr}
	}
	close(peersQueue)

	reports := make([]PeerReport, len(peers))
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range peersQueue {
				if err := ctx.Err(); err != nil {
					reports[job.index] = PeerReport{Addr: job.addr, Err: err}
					continue
				}
				reports[job.index] = s.surveyPeer(ctx, job.addr)
			}
		}()
	}
	wg.Wait()
	return reports
}

func (s *Swarm) surveyPeer(ctx context.Context, addr torrent.PeerAddr) PeerReport {
	report := PeerReport{Addr: addr}

	p := NewPeer(addr, s.torrent, s.selfID, s.cfg, s.log)
	defer p.Close()

	if err := p.Connect(ctx); err != nil {
		s.log.Debug("cannot connect peer", zap.Stringer("peer", addr), zap.Error(err))
		report.Err = err
		return report
	}
	report.RemoteID = p.RemoteID()

	msgs, err := p.ReadAll()
	report.Messages = len(msgs)
	report.Bitfield = p.Bitfield()
	report.Err = err
	if err != nil {
		s.log.Debug("peer read failed", zap.Stringer("peer", addr), zap.Error(err))
	}
	return report
}
