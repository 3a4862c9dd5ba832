// Package metainfo parses a single-file .torrent metainfo file into a
// typed, immutable view: the announce URL(s), the piece hashes, and the
// SHA-1 info-hash that identifies the torrent on the wire.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"net/url"
	"os"

	"github.com/spudteo/bittorrent/bencode"
	"github.com/spudteo/bittorrent/internal/torrenterr"
)

// HashLen is the length in bytes of a 20-byte SHA-1 piece hash.
const HashLen = 20

// Info is the parsed "info" sub-dictionary of a single-file torrent.
type Info struct {
	Name        string
	PieceLength int
	TotalLength int
	PieceHashes [][HashLen]byte
}

// PieceSize returns the size in bytes of piece index i, accounting for a
// shorter final piece.
func (inf Info) PieceSize(index int) int {
	if index == len(inf.PieceHashes)-1 {
		if last := inf.TotalLength % inf.PieceLength; last != 0 {
			return last
		}
	}
	return inf.PieceLength
}

// Metainfo is the immutable, fully parsed view of a .torrent file.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string
	InfoHash     [20]byte
	Info         Info
}

// Open reads and parses the metainfo file at path.
func Open(path string) (*Metainfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("read %s: %w", path, err))
	}
	return Parse(raw)
}

// Parse decodes raw bencoded bytes as a single-file metainfo dictionary.
func Parse(raw []byte) (*Metainfo, error) {
	top, rawValues, err := bencode.DecodeTopLevelWithRawValues(raw, "info")
	if err != nil {
		return nil, torrenterr.New(torrenterr.KindParseBencode, err)
	}

	announce, ok := top.Dict["announce"]
	if !ok || announce.Kind != bencode.KindString {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("metainfo missing \"announce\""))
	}

	var announceList [][]string
	if al, ok := top.Dict["announce-list"]; ok && al.Kind == bencode.KindList {
		announceList = parseAnnounceList(al)
	}

	infoRaw, ok := rawValues["info"]
	if !ok {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("metainfo missing \"info\""))
	}
	infoHash := sha1.Sum(infoRaw)

	infoVal, ok := top.Dict["info"]
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("metainfo \"info\" is not a dictionary"))
	}
	info, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	return &Metainfo{
		Announce:     announce.String(),
		AnnounceList: announceList,
		InfoHash:     infoHash,
		Info:         *info,
	}, nil
}

func parseAnnounceList(list bencode.Value) [][]string {
	tiers := make([][]string, 0, len(list.List))
	for _, tier := range list.List {
		if tier.Kind != bencode.KindList {
			continue
		}
		urls := make([]string, 0, len(tier.List))
		for _, u := range tier.List {
			if u.Kind == bencode.KindString && len(u.Str) > 0 {
				urls = append(urls, u.String())
			}
		}
		if len(urls) > 0 {
			tiers = append(tiers, urls)
		}
	}
	return tiers
}

func parseInfo(v bencode.Value) (*Info, error) {
	name, ok := v.Dict["name"]
	if !ok || name.Kind != bencode.KindString || len(name.Str) == 0 {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("info missing \"name\""))
	}

	pieceLen, ok := v.Dict["piece length"]
	if !ok || pieceLen.Kind != bencode.KindInt || pieceLen.Int <= 0 {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("info missing positive \"piece length\""))
	}

	length, ok := v.Dict["length"]
	if !ok || length.Kind != bencode.KindInt || length.Int <= 0 {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("info missing positive \"length\" (multi-file torrents are not supported)"))
	}

	piecesVal, ok := v.Dict["pieces"]
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("info missing \"pieces\""))
	}
	hashes, err := splitPieceHashes(piecesVal.Str)
	if err != nil {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, err)
	}

	wantPieces := (int(length.Int) + int(pieceLen.Int) - 1) / int(pieceLen.Int)
	if len(hashes) != wantPieces {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo,
			fmt.Errorf("expected %d piece hashes for length=%d piece_length=%d, got %d",
				wantPieces, length.Int, pieceLen.Int, len(hashes)))
	}

	return &Info{
		Name:        name.String(),
		PieceLength: int(pieceLen.Int),
		TotalLength: int(length.Int),
		PieceHashes: hashes,
	}, nil
}

func splitPieceHashes(pieces []byte) ([][HashLen]byte, error) {
	if len(pieces)%HashLen != 0 {
		return nil, fmt.Errorf("\"pieces\" length %d is not a multiple of %d", len(pieces), HashLen)
	}
	hashes := make([][HashLen]byte, len(pieces)/HashLen)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*HashLen:(i+1)*HashLen])
	}
	return hashes, nil
}

// BuildTrackerURLs produces one candidate announce URL per entry in
// AnnounceList (flattened, tiers in order), or a single-element slice
// containing Announce if no announce-list is present.
func (m *Metainfo) BuildTrackerURLs(peerID [20]byte, port int) ([]string, error) {
	var bases []string
	if len(m.AnnounceList) > 0 {
		for _, tier := range m.AnnounceList {
			bases = append(bases, tier...)
		}
	} else {
		bases = []string{m.Announce}
	}

	urls := make([]string, 0, len(bases))
	for _, base := range bases {
		u, err := url.Parse(base)
		if err != nil {
			continue
		}
		u.RawQuery = m.announceQuery(peerID, port).Encode()
		urls = append(urls, u.String())
	}
	if len(urls) == 0 {
		return nil, torrenterr.New(torrenterr.KindInvalidMetainfo, fmt.Errorf("no usable tracker URLs"))
	}
	return urls, nil
}

func (m *Metainfo) announceQuery(peerID [20]byte, port int) url.Values {
	return url.Values{
		"info_hash":  []string{string(m.InfoHash[:])},
		"peer_id":    []string{string(peerID[:])},
		"port":       []string{fmt.Sprintf("%d", port)},
		"uploaded":   []string{"0"},
		"downloaded": []string{"0"},
		"left":       []string{fmt.Sprintf("%d", m.Info.TotalLength)},
		"compact":    []string{"1"},
	}
}
