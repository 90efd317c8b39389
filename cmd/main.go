package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vaguilera/btprobe/torrent"
	"github.com/vaguilera/btprobe/torrentp2p"
	"github.com/vaguilera/btprobe/tracker"
)

func printHelp() {
	fmt.Printf("btprobe V1.0\nUsage:\n" +
		"\tbtprobe -check -trackers=<file> [url...]\n" +
		"\tbtprobe -announce (-infohash=<hex> | -torrent=<file>) [-trackers=<file>] [-survey] [url...]\n" +
		"\tbtprobe -peer=<host:port> (-infohash=<hex> | -torrent=<file>)\n")
	flag.PrintDefaults()
}

func initLogger(verbose bool) {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !verbose {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {

	log.SetFlags(0)

	check := flag.Bool("check", false, "Check which trackers are alive")
	limit := flag.Int("limit", tracker.DefaultCheckLimit, "Maximum concurrent tracker requests")
	trackersFile := flag.String("trackers", "", "File with one tracker URL per line")
	announce := flag.Bool("announce", false, "Announce to every tracker and collect peers")
	survey := flag.Bool("survey", false, "Handshake with every discovered peer (with -announce)")
	infoHash := flag.String("infohash", "", "Info-hash as 40 hex characters")
	torrentFile := flag.String("torrent", "", "Read info-hash and trackers from a .torrent file")
	peerID := flag.String("peerid", "", "Peer id to present (random if empty)")
	event := flag.String("event", "started", "Announce event: none, started, stopped, completed")
	peerAddr := flag.String("peer", "", "Handshake with a single peer at host:port")
	workers := flag.Int("w", 4, "Number of peer workers")
	retries := flag.Int("retries", 0, "Extra attempts for announces that time out")
	verbose := flag.Bool("v", false, "Log wire-level events")
	flag.Parse()

	initLogger(*verbose)
	defer zap.L().Sync()

	trackerCfg := tracker.DefaultConfig()
	trackerCfg.Retries = *retries

	ctx := context.Background()

	switch {
	case *check:
		urls, err := trackerURLs(*trackersFile, nil)
		if err != nil {
			log.Fatalf("Error reading tracker list: %s", err)
		}
		runCheck(ctx, urls, trackerCfg, *limit)

	case *announce, *peerAddr != "":
		meta, d, err := loadDescriptor(*infoHash, *torrentFile)
		if err != nil {
			log.Fatalf("Error while opening torrent: %s", err)
		}
		self := torrent.PeerID(*peerID)
		if self == "" {
			self = torrent.NewPeerID()
		}
		swarm := torrentp2p.NewSwarm(d, self, trackerCfg, torrentp2p.DefaultConfig(), zap.L())

		if *peerAddr != "" {
			addr, err := parsePeerAddr(*peerAddr)
			if err != nil {
				log.Fatal(err)
			}
			d.AddPeers(addr)
			printReports(swarm.Survey(ctx, 1))
			return
		}

		var fromTorrent []string
		if meta != nil {
			fromTorrent = meta.Trackers
		}
		urls, err := trackerURLs(*trackersFile, fromTorrent)
		if err != nil {
			log.Fatalf("Error reading tracker list: %s", err)
		}
		ev, err := tracker.ParseEvent(*event)
		if err != nil {
			log.Fatal(err)
		}
		req := tracker.NewAnnounceRequest(d.InfoHash(), self, ev)
		if meta != nil {
			req.Left = int64(meta.Length)
		}

		added, err := swarm.Discover(ctx, urls, req, *limit)
		if err != nil {
			log.Fatalf("No tracker answered: %s", err)
		}
		fmt.Printf("%d peers\n", added)
		for _, p := range d.Peers() {
			fmt.Println(p)
		}
		if *survey {
			printReports(swarm.Survey(ctx, *workers))
		}

	default:
		printHelp()
		os.Exit(2)
	}
}

func runCheck(ctx context.Context, urls []string, cfg tracker.Config, limit int) {
	start := time.Now()
	results := tracker.NewChecker(cfg, zap.L()).CheckMany(ctx, urls, limit)

	alive := 0
	for _, u := range urls {
		if results[u] {
			alive++
			fmt.Printf("%s ...OK\n", u)
		} else {
			fmt.Printf("%s ...KO\n", u)
		}
	}
	fmt.Printf("%d/%d trackers alive (%s)\n", alive, len(urls), time.Since(start).Round(time.Millisecond))
}

func printReports(reports []torrentp2p.PeerReport) {
	for _, r := range reports {
		if r.Err != nil && r.RemoteID == "" {
			fmt.Printf("%s ...KO (%s)\n", r.Addr, r.Err)
			continue
		}
		fmt.Printf("%s ...OK id=%q messages=%d pieces=%d\n", r.Addr, r.RemoteID, r.Messages, r.Bitfield.Count())
		if r.Err != nil {
			fmt.Printf("\t(%s)\n", r.Err)
		}
	}
}

// trackerURLs merges the list file, the torrent's trackers and the
// positional arguments, keeping the first occurrence of each.
func trackerURLs(listFile string, fromTorrent []string) ([]string, error) {
	var urls []string
	if listFile != "" {
		f, err := os.Open(listFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if urls, err = tracker.ReadList(f); err != nil {
			return nil, err
		}
	}
	urls = append(urls, fromTorrent...)
	urls = append(urls, flag.Args()...)

	seen := make(map[string]bool, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no trackers given")
	}
	return out, nil
}

func loadDescriptor(infoHash, torrentFile string) (*torrent.Metainfo, *torrent.Descriptor, error) {
	if torrentFile != "" {
		meta, err := torrent.Load(torrentFile)
		if err != nil {
			return nil, nil, err
		}
		return meta, meta.Descriptor(), nil
	}
	if infoHash == "" {
		return nil, nil, fmt.Errorf("-infohash or -torrent is required")
	}
	d, err := torrent.NewDescriptor(infoHash)
	return nil, d, err
}

func parsePeerAddr(s string) (torrent.PeerAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return torrent.PeerAddr{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return torrent.PeerAddr{}, fmt.Errorf("invalid port %q", portStr)
	}
	return torrent.PeerAddr{IP: host, Port: uint16(port)}, nil
}
