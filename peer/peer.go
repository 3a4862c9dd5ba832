// Package peer implements PeerStream, the per-peer worker connection: TCP
// dial, handshake, discovery, and pipelined block-request piece downloads.
package peer

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spudteo/bittorrent/internal/torrenterr"
	"github.com/spudteo/bittorrent/metainfo"
	"github.com/spudteo/bittorrent/peerwire"
)

// State is one node of the PeerStream state machine.
type State int

const (
	Dialing State = iota
	Handshaking
	Discovering
	Ready
	Throttled
	Dead
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Handshaking:
		return "handshaking"
	case Discovering:
		return "discovering"
	case Ready:
		return "ready"
	case Throttled:
		return "throttled"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	// BlockSize is the unit of a piece actually requested on the wire.
	BlockSize = 16 * 1024
	// MaxRequestForPiece bounds the number of outstanding block requests.
	MaxRequestForPiece = 20
	// dialTimeout bounds the initial TCP connect.
	dialTimeout = 5 * time.Second
	// readWindow bounds how long the pipeline loop waits between
	// re-filling its outstanding-request budget.
	readWindow = 1500 * time.Millisecond
)

// Piece describes a piece to be downloaded: its index, expected hash, and
// length (the caller supplies length, accounting for a short last piece).
type Piece struct {
	Index  int
	Hash   [20]byte
	Length int
}

// Result is a downloaded and not-yet-verified piece.
type Result struct {
	Index int
	Bytes []byte
}

// PeerStream is a single peer connection driven through the state machine
// described in the package doc: Dialing -> Handshaking -> Discovering ->
// Ready/Throttled -> Dead.
type PeerStream struct {
	WorkerID int
	Endpoint string

	conn     net.Conn
	state    State
	bitfield peerwire.Bitfield
}

// Dial connects to endpoint, performs the handshake, and runs discovery
// until the peer's bitfield and an initial Unchoke have both been seen.
// The returned PeerStream is in state Ready; on any failure Dial returns a
// nil PeerStream and a non-nil error.
func Dial(workerID int, endpoint string, m *metainfo.Metainfo, ourPeerID [20]byte) (*PeerStream, error) {
	p := &PeerStream{WorkerID: workerID, Endpoint: endpoint, state: Dialing}

	conn, err := net.DialTimeout("tcp", endpoint, dialTimeout)
	if err != nil {
		p.state = Dead
		return nil, torrenterr.New(torrenterr.KindConnectTimeout, err)
	}
	p.conn = conn
	p.state = Handshaking

	if err := p.handshake(m.InfoHash, ourPeerID); err != nil {
		conn.Close()
		p.state = Dead
		return nil, err
	}

	p.state = Discovering
	numPieces := len(m.Info.PieceHashes)
	if err := p.discover(numPieces); err != nil {
		conn.Close()
		p.state = Dead
		return nil, err
	}

	p.state = Ready
	return p, nil
}

// State reports the stream's current state machine node.
func (p *PeerStream) State() State { return p.state }

// Close releases the underlying TCP connection.
func (p *PeerStream) Close() error {
	p.state = Dead
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Has reports whether the peer has advertised piece index.
func (p *PeerStream) Has(index int) bool { return p.bitfield.Has(index) }

func (p *PeerStream) handshake(infoHash, peerID [20]byte) error {
	out := peerwire.Handshake{InfoHash: infoHash, PeerID: peerID}
	p.conn.SetDeadline(time.Now().Add(dialTimeout))
	defer p.conn.SetDeadline(time.Time{})

	if _, err := p.conn.Write(out.Bytes()); err != nil {
		return torrenterr.New(torrenterr.KindHandshakeFailed, err)
	}
	in, err := peerwire.ReadHandshake(p.conn)
	if err != nil {
		return torrenterr.New(torrenterr.KindHandshakeFailed, err)
	}
	if !bytes.Equal(in.InfoHash[:], infoHash[:]) {
		return torrenterr.New(torrenterr.KindServerDoesNotHave, fmt.Errorf("peer %s echoed a different info-hash", p.Endpoint))
	}
	return nil
}

// discover sends Interested immediately after the handshake and reads
// messages until a Bitfield and an Unchoke have both been seen.
func (p *PeerStream) discover(numPieces int) error {
	p.bitfield = peerwire.NewBitfield(numPieces)

	if err := peerwire.WriteMessage(p.conn, peerwire.NewInterested()); err != nil {
		return torrenterr.New(torrenterr.KindPeerIO, err)
	}

	haveBitfield := false
	unchoked := false
	for !haveBitfield || !unchoked {
		msg, err := peerwire.ReadMessage(p.conn)
		if err != nil {
			return torrenterr.New(torrenterr.KindPeerIO, err)
		}
		switch msg.ID {
		case peerwire.Bitfield:
			p.bitfield = peerwire.Bitfield(append([]byte(nil), msg.Payload...))
			haveBitfield = true
		case peerwire.Have:
			if idx, err := msg.HaveIndex(); err == nil {
				p.bitfield.Set(idx)
			}
		case peerwire.Unchoke:
			unchoked = true
		case peerwire.Choke:
			unchoked = false
		case peerwire.KeepAlive:
			// no-op
		default:
			// ignore anything else during discovery
		}
	}
	return nil
}

// DownloadPiece downloads and returns the raw bytes of piece. The caller
// is responsible for hash verification; the worker itself is unaffected
// by a mismatch (the coordinator re-queues on bad hash).
func (p *PeerStream) DownloadPiece(piece Piece) (Result, error) {
	if p.state != Ready && p.state != Throttled {
		return Result{}, fmt.Errorf("download_piece called in state %s, want ready", p.state)
	}
	if !p.bitfield.Has(piece.Index) {
		return Result{}, torrenterr.NewPiece(torrenterr.KindPieceNotPresent, piece.Index, fmt.Errorf("peer %s lacks piece %d", p.Endpoint, piece.Index))
	}

	numBlocks := (piece.Length + BlockSize - 1) / BlockSize
	missing := make(map[int]bool, numBlocks)
	for i := 0; i < numBlocks; i++ {
		missing[i] = true
	}
	blocks := make([][]byte, numBlocks)

	for len(missing) > 0 {
		if p.state != Throttled {
			if err := p.requestMissing(piece, missing); err != nil {
				return Result{}, err
			}
		}
		if err := p.readWindow(piece, missing, blocks); err != nil {
			return Result{}, err
		}
	}

	out := make([]byte, 0, piece.Length)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return Result{Index: piece.Index, Bytes: out}, nil
}

func (p *PeerStream) requestMissing(piece Piece, missing map[int]bool) error {
	sent := 0
	for blockIdx := range missing {
		if sent >= MaxRequestForPiece {
			break
		}
		begin := blockIdx * BlockSize
		length := BlockSize
		if begin+length > piece.Length {
			length = piece.Length - begin
		}
		req := peerwire.NewRequest(piece.Index, begin, length)
		if err := peerwire.WriteMessage(p.conn, req); err != nil {
			return torrenterr.New(torrenterr.KindPeerIO, err)
		}
		sent++
	}
	return nil
}

// readWindow drains messages for up to readWindow, storing any blocks for
// piece.Index that land in missing.
func (p *PeerStream) readWindow(piece Piece, missing map[int]bool, blocks [][]byte) error {
	deadline := time.Now().Add(readWindow)
	p.conn.SetReadDeadline(deadline)
	defer p.conn.SetReadDeadline(time.Time{})

	readAtLeastOne := false
	for {
		if readAtLeastOne && time.Now().After(deadline) {
			return nil
		}
		msg, err := peerwire.ReadMessage(p.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return torrenterr.New(torrenterr.KindPeerIO, err)
		}
		readAtLeastOne = true

		switch msg.ID {
		case peerwire.Piece:
			index, begin, block, err := msg.PieceFields()
			if err != nil || index != piece.Index {
				continue
			}
			blockIdx := begin / BlockSize
			expected := BlockSize
			if begin+expected > piece.Length {
				expected = piece.Length - begin
			}
			if !missing[blockIdx] || len(block) != expected {
				continue
			}
			blocks[blockIdx] = block
			delete(missing, blockIdx)
			if len(missing) == 0 {
				return nil
			}
		case peerwire.Choke:
			p.state = Throttled
		case peerwire.Unchoke:
			p.state = Ready
		case peerwire.Have:
			if idx, err := msg.HaveIndex(); err == nil {
				p.bitfield.Set(idx)
			}
		case peerwire.Bitfield:
			// a peer re-sending its bitfield mid-stream is unusual but
			// harmless; merge rather than replace so in-flight Have
			// updates are not lost.
			incoming := peerwire.Bitfield(msg.Payload)
			for i := 0; i < len(incoming)*8; i++ {
				if incoming.Has(i) {
					p.bitfield.Set(i)
				}
			}
		case peerwire.KeepAlive:
			// no-op
		}

		if p.state != Throttled && len(missing) < MaxRequestForPiece {
			return nil
		}
	}
}

// VerifyPiece reports whether result's bytes hash to the expected value.
func VerifyPiece(result Result, expected [20]byte) bool {
	h := sha1.Sum(result.Bytes)
	return bytes.Equal(h[:], expected[:])
}
