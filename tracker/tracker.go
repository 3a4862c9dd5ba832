// Package tracker implements the HTTP tracker client: building the
// announce query, performing the GET, and decoding the bencoded response
// into a deduplicated set of peer endpoints.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/spudteo/bittorrent/bencode"
	"github.com/spudteo/bittorrent/internal/torrenterr"
	"github.com/spudteo/bittorrent/metainfo"
)

// httpTimeout bounds a single tracker GET.
const httpTimeout = 15 * time.Second

// Endpoint is a peer address as returned by a tracker.
type Endpoint struct {
	IP   string
	Port int
}

// Addr renders the endpoint as a dial-able "host:port" string.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// Response is the decoded tracker announce response.
type Response struct {
	Interval int
	Peers    []Endpoint
}

// Announce tries each of m's tracker URLs in order (the flattened
// announce-list, falling back to announce) and returns the first
// successful, deduplicated peer list. It surfaces an error only if every
// tracker fails.
func Announce(ctx context.Context, m *metainfo.Metainfo, peerID [20]byte, port int) (*Response, error) {
	urls, err := m.BuildTrackerURLs(peerID, port)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, u := range urls {
		resp, err := announceOne(ctx, u)
		if err == nil {
			return dedup(resp), nil
		}
		lastErr = err
	}
	return nil, torrenterr.New(torrenterr.KindTrackerUnreachable, fmt.Errorf("all %d tracker(s) failed, last error: %w", len(urls), lastErr))
}

// announceOne performs a single tracker GET, retrying transient network
// errors with bounded exponential backoff before giving up on this URL
// (the caller then falls through to the next announce-list entry).
func announceOne(ctx context.Context, url string) (*Response, error) {
	client := &http.Client{Timeout: httpTimeout}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)

	var resp *Response
	op := func() error {
		r, err := get(ctx, client, url)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return resp, nil
}

func get(ctx context.Context, client *http.Client, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err // network errors are retryable
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("tracker returned status %s", res.Status))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	v, _, err := bencode.Decode(body)
	if err != nil {
		return nil, backoff.Permanent(torrenterr.New(torrenterr.KindParseBencode, err))
	}
	return parseResponse(v)
}

func parseResponse(v bencode.Value) (*Response, error) {
	if v.Kind != bencode.KindDict {
		return nil, backoff.Permanent(torrenterr.New(torrenterr.KindTrackerUnreachable, fmt.Errorf("tracker response is not a dictionary")))
	}
	if reason, ok := v.Dict["failure reason"]; ok {
		return nil, backoff.Permanent(torrenterr.New(torrenterr.KindTrackerUnreachable, fmt.Errorf("tracker failure: %s", reason.String())))
	}

	interval := 0
	if iv, ok := v.Dict["interval"]; ok && iv.Kind == bencode.KindInt {
		interval = int(iv.Int)
	}

	peersVal, ok := v.Dict["peers"]
	if !ok {
		return nil, backoff.Permanent(torrenterr.New(torrenterr.KindTrackerUnreachable, fmt.Errorf("tracker response missing \"peers\"")))
	}

	var peers []Endpoint
	var err error
	switch peersVal.Kind {
	case bencode.KindString:
		peers, err = parseCompactPeers(peersVal.Str)
	case bencode.KindList:
		peers, err = parseDictPeers(peersVal.List)
	default:
		err = fmt.Errorf("\"peers\" is neither a byte string nor a list")
	}
	if err != nil {
		return nil, backoff.Permanent(torrenterr.New(torrenterr.KindTrackerUnreachable, err))
	}

	return &Response{Interval: interval, Peers: peers}, nil
}

// parseCompactPeers decodes the compact form: 6-byte groups of
// (ipv4[4], port_be[2]).
func parseCompactPeers(raw []byte) ([]Endpoint, error) {
	const groupSize = 6
	if len(raw)%groupSize != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of %d", len(raw), groupSize)
	}
	peers := make([]Endpoint, len(raw)/groupSize)
	for i := range peers {
		off := i * groupSize
		ip := net.IP(raw[off : off+4])
		port := int(raw[off+4])<<8 | int(raw[off+5])
		peers[i] = Endpoint{IP: ip.String(), Port: port}
	}
	return peers, nil
}

// parseDictPeers decodes the non-compact form: a list of {ip, port} dicts.
func parseDictPeers(list []bencode.Value) ([]Endpoint, error) {
	peers := make([]Endpoint, 0, len(list))
	for i, item := range list {
		if item.Kind != bencode.KindDict {
			return nil, fmt.Errorf("peer %d is not a dictionary", i)
		}
		ipVal, ok := item.Dict["ip"]
		if !ok || ipVal.Kind != bencode.KindString {
			return nil, fmt.Errorf("peer %d missing \"ip\"", i)
		}
		portVal, ok := item.Dict["port"]
		if !ok || portVal.Kind != bencode.KindInt {
			return nil, fmt.Errorf("peer %d missing \"port\"", i)
		}
		peers = append(peers, Endpoint{IP: ipVal.String(), Port: int(portVal.Int)})
	}
	return peers, nil
}

func dedup(resp *Response) *Response {
	seen := make(map[string]bool, len(resp.Peers))
	deduped := resp.Peers[:0]
	for _, p := range resp.Peers {
		addr := p.Addr()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		deduped = append(deduped, p)
	}
	resp.Peers = deduped
	return resp
}
