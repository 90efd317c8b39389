package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	bencode "github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"github.com/vaguilera/btprobe/apperrors"
	"github.com/vaguilera/btprobe/torrent"
)

type httpAnnounceResponse struct {
	FailureReason  string      `mapstructure:"failure reason"`
	WarningMessage string      `mapstructure:"warning message"`
	Interval       int64       `mapstructure:"interval"`
	MinInterval    int64       `mapstructure:"min interval"`
	TrackerID      string      `mapstructure:"tracker id"`
	Complete       int64       `mapstructure:"complete"`
	Incomplete     int64       `mapstructure:"incomplete"`
	Peers          interface{} `mapstructure:"peers"` // compact string or list of dictionaries
	Peers6         string      `mapstructure:"peers6"`
}

type dictPeer struct {
	ID   string `mapstructure:"peer id"`
	IP   string `mapstructure:"ip"`
	Port int64  `mapstructure:"port"`
}

// HTTPTracker announces with a GET request and decodes the bencoded reply.
type HTTPTracker struct {
	rawURL string
	base   *url.URL
	cfg    Config
	client *http.Client
	log    *zap.Logger
}

func NewHTTPTracker(rawURL string, cfg Config, log *zap.Logger) (*HTTPTracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing tracker URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tracker URL must use http(s) scheme, found '%s'", u.Scheme)
	}
	return newHTTPTracker(rawURL, u, cfg, log), nil
}

func newHTTPTracker(rawURL string, u *url.URL, cfg Config, log *zap.Logger) *HTTPTracker {
	cfg = cfg.withDefaults()
	maxRedirects := cfg.MaxRedirects
	return &HTTPTracker{
		rawURL: rawURL,
		base:   u,
		cfg:    cfg,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			// Hand the last 3xx back instead of failing inside the client so
			// it can be reported as a redirect failure.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		log: orGlobal(log).With(zap.String("tracker", rawURL)),
	}
}

func (t *HTTPTracker) URL() string { return t.rawURL }

func (t *HTTPTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResult, error) {
	const op = "http announce"

	status, body, err := t.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := statusError(op, t.base.Host, status); err != nil {
		return nil, err
	}

	res, err := parseHTTPResponse(body)
	if err != nil {
		if e, ok := err.(*apperrors.Error); ok {
			e.Op, e.Addr = op, t.base.Host
		}
		return nil, err
	}
	if res.Warning != "" {
		t.log.Warn("tracker warning", zap.String("warning", res.Warning))
	}
	t.log.Debug("announce ok",
		zap.Int("peers", len(res.Peers)),
		zap.Int("seeders", res.Seeders),
		zap.Int("leechers", res.Leechers),
		zap.Duration("interval", res.Interval))
	return res, nil
}

// fetch sends the announce GET and returns the final status and body.
func (t *HTTPTracker) fetch(ctx context.Context, req AnnounceRequest) (int, []byte, error) {
	const op = "http announce"

	reqURL, err := t.announceURL(req)
	if err != nil {
		return 0, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", t.cfg.UserAgent)
	httpReq.Header.Set("Accept", "*/*")
	httpReq.Header.Set("Connection", "close")

	t.log.Debug("sending request", zap.String("url", reqURL))
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return 0, nil, apperrors.Classify(op, t.base.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxResponseSize+1))
	if err != nil {
		return resp.StatusCode, nil, apperrors.Classify(op, t.base.Host, err)
	}
	if int64(len(body)) > t.cfg.MaxResponseSize {
		return resp.StatusCode, nil, apperrors.Invalid(op, t.base.Host, "response exceeds %d bytes", t.cfg.MaxResponseSize)
	}
	return resp.StatusCode, body, nil
}

// announceURL appends the announce parameters to the tracker URL. info_hash
// and peer_id are raw bytes and are percent-encoded by hand so that spaces
// never turn into '+'.
func (t *HTTPTracker) announceURL(req AnnounceRequest) (string, error) {
	infoHash, err := req.InfoHash.Bytes()
	if err != nil {
		return "", err
	}
	peerID := req.PeerID.Wire()

	params := url.Values{}
	params.Set("port", strconv.Itoa(int(req.port())))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	if ev := req.Event.queryValue(); ev != "" {
		params.Set("event", ev)
	}
	params.Set("numwant", strconv.Itoa(int(req.numWant())))
	params.Set("key", fmt.Sprintf("%08x", req.key()))
	if req.IP != nil {
		params.Set("ip", req.IP.String())
	}
	if t.cfg.Compact {
		params.Set("compact", "1")
	}

	var sb strings.Builder
	sb.WriteString(t.rawURL)
	if t.base.RawQuery != "" {
		sb.WriteByte('&')
	} else {
		sb.WriteByte('?')
	}
	sb.WriteString("info_hash=" + escapeBytes(infoHash[:]))
	sb.WriteString("&peer_id=" + escapeBytes(peerID[:]))
	sb.WriteString("&" + params.Encode())
	return sb.String(), nil
}

func escapeBytes(b []byte) string {
	return strings.ReplaceAll(url.QueryEscape(string(b)), "+", "%20")
}

// statusError maps the HTTP status classes onto failure kinds.
func statusError(op, host string, status int) error {
	cause := fmt.Errorf("%d %s", status, http.StatusText(status))
	switch status / 100 {
	case 2:
		return nil
	case 3:
		return apperrors.New(apperrors.Redirect, op, host, cause)
	case 4:
		return apperrors.New(apperrors.BadRequest, op, host, cause)
	case 5:
		return apperrors.New(apperrors.ServerError, op, host, cause)
	default:
		return apperrors.New(apperrors.InvalidResponse, op, host, cause)
	}
}

func parseHTTPResponse(body []byte) (*AnnounceResult, error) {
	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Invalid("", "", "error decoding response: %v", err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, apperrors.Invalid("", "", "response is %T, expected a dictionary", decoded)
	}

	var resp httpAnnounceResponse
	if err := mapstructure.Decode(dict, &resp); err != nil {
		return nil, apperrors.Invalid("", "", "unexpected response layout: %v", err)
	}
	if resp.FailureReason != "" {
		return nil, apperrors.New(apperrors.TrackerFailure, "", "", fmt.Errorf("%s", resp.FailureReason))
	}

	peers, err := decodePeers(resp.Peers)
	if err != nil {
		return nil, err
	}
	if len(resp.Peers6)%compactPeer6Len != 0 {
		return nil, apperrors.Invalid("", "", "compact peers6 length %d is not a multiple of %d", len(resp.Peers6), compactPeer6Len)
	}
	peers = append(peers, parseCompactPeers6([]byte(resp.Peers6))...)

	return &AnnounceResult{
		Interval:    time.Duration(resp.Interval) * time.Second,
		MinInterval: time.Duration(resp.MinInterval) * time.Second,
		Leechers:    int(resp.Incomplete),
		Seeders:     int(resp.Complete),
		Peers:       peers,
		TrackerID:   resp.TrackerID,
		Warning:     resp.WarningMessage,
	}, nil
}

func decodePeers(raw interface{}) ([]torrent.PeerAddr, error) {
	switch peers := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if len(peers)%compactPeerLen != 0 {
			return nil, apperrors.Invalid("", "", "compact peers length %d is not a multiple of %d", len(peers), compactPeerLen)
		}
		return parseCompactPeers([]byte(peers)), nil
	case []interface{}:
		out := make([]torrent.PeerAddr, 0, len(peers))
		for _, item := range peers {
			var p dictPeer
			if err := mapstructure.Decode(item, &p); err != nil {
				return nil, apperrors.Invalid("", "", "invalid peer entry: %v", err)
			}
			if p.IP == "" || p.Port <= 0 || p.Port > 0xFFFF {
				return nil, apperrors.Invalid("", "", "invalid peer entry %q:%d", p.IP, p.Port)
			}
			out = append(out, torrent.PeerAddr{IP: p.IP, Port: uint16(p.Port)})
		}
		return out, nil
	default:
		return nil, apperrors.Invalid("", "", "peers has unexpected type %T", raw)
	}
}
