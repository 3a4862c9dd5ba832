package peer

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spudteo/bittorrent/internal/torrenterr"
	"github.com/spudteo/bittorrent/metainfo"
	"github.com/spudteo/bittorrent/peerwire"
)

// mockPeer drives the server side of a net.Pipe as a minimal, scripted
// BitTorrent peer: handshake, bitfield + unchoke, then serve whatever
// Request messages arrive from the given piece data.
type mockPeer struct {
	conn     net.Conn
	infoHash [20]byte
	peerID   [20]byte
	numPieces int
}

func (mp *mockPeer) serveHandshake(t *testing.T) {
	t.Helper()
	in, err := peerwire.ReadHandshake(mp.conn)
	require.NoError(t, err)
	assert.Equal(t, mp.infoHash, in.InfoHash)

	out := peerwire.Handshake{InfoHash: mp.infoHash, PeerID: mp.peerID}
	_, err = mp.conn.Write(out.Bytes())
	require.NoError(t, err)
}

func (mp *mockPeer) serveDiscovery(t *testing.T, have []int) {
	t.Helper()
	// consume the client's Interested
	msg, err := peerwire.ReadMessage(mp.conn)
	require.NoError(t, err)
	assert.Equal(t, peerwire.Interested, msg.ID)

	bf := peerwire.NewBitfield(mp.numPieces)
	for _, idx := range have {
		bf.Set(idx)
	}
	require.NoError(t, peerwire.WriteMessage(mp.conn, peerwire.Message{ID: peerwire.Bitfield, Payload: bf}))
	require.NoError(t, peerwire.WriteMessage(mp.conn, peerwire.NewUnchoke()))
}

// serveAllRequests replies to Request messages with Piece messages sliced
// from data, until it has answered exactly wantRequests of them.
func (mp *mockPeer) serveAllRequests(t *testing.T, index int, data []byte, wantRequests int) {
	t.Helper()
	for i := 0; i < wantRequests; i++ {
		msg, err := peerwire.ReadMessage(mp.conn)
		require.NoError(t, err)
		require.Equal(t, peerwire.Request, msg.ID)
		idx, begin, length, err := msg.RequestFields()
		require.NoError(t, err)
		require.Equal(t, index, idx)

		block := data[begin : begin+length]
		pay := make([]byte, 8+len(block))
		copyBigEndian(pay[0:4], uint32(idx))
		copyBigEndian(pay[4:8], uint32(begin))
		copy(pay[8:], block)
		require.NoError(t, peerwire.WriteMessage(mp.conn, peerwire.Message{ID: peerwire.Piece, Payload: pay}))
	}
}

func copyBigEndian(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func dialPair() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestPeerStreamDownloadsSingleBlockPiece(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	peerID := [20]byte{4, 5, 6}
	ourID := [20]byte{7, 8, 9}
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	client, server := dialPair()
	mp := &mockPeer{conn: server, infoHash: infoHash, peerID: peerID, numPieces: 1}

	done := make(chan struct{})
	go func() {
		defer close(done)
		mp.serveHandshake(t)
		mp.serveDiscovery(t, []int{0})
		mp.serveAllRequests(t, 0, data, 1)
	}()

	ps := &PeerStream{WorkerID: 0, Endpoint: "mock", conn: client, state: Handshaking}
	require.NoError(t, ps.handshake(infoHash, ourID))
	ps.state = Discovering
	require.NoError(t, ps.discover(1))
	ps.state = Ready

	assert.True(t, ps.Has(0))

	result, err := ps.DownloadPiece(Piece{Index: 0, Length: len(data), Hash: sha1.Sum(data)})
	require.NoError(t, err)
	assert.Equal(t, data, result.Bytes)
	assert.True(t, VerifyPiece(result, sha1.Sum(data)))

	client.Close()
	<-done
}

func TestPeerStreamRejectsMissingPieceWithoutConsumingWorker(t *testing.T) {
	client, server := dialPair()
	defer client.Close()
	defer server.Close()

	ps := &PeerStream{WorkerID: 0, Endpoint: "mock", conn: client, state: Ready, bitfield: peerwire.NewBitfield(2)}
	ps.bitfield.Set(1) // has piece 1, not 0

	_, err := ps.DownloadPiece(Piece{Index: 0, Length: 16384})
	require.Error(t, err)
	assert.Equal(t, Ready, ps.State())
}

func TestPeerStreamHandshakeRejectsMismatchedInfoHash(t *testing.T) {
	client, server := dialPair()
	defer client.Close()
	defer server.Close()

	go func() {
		in, _ := peerwire.ReadHandshake(server)
		_ = in
		wrong := peerwire.Handshake{InfoHash: [20]byte{9, 9, 9}, PeerID: [20]byte{1}}
		server.Write(wrong.Bytes())
	}()

	ps := &PeerStream{conn: client}
	err := ps.handshake([20]byte{1, 2, 3}, [20]byte{4})
	assert.Error(t, err)
}

func TestPeerStreamDialTimesOutOnUnreachableAddress(t *testing.T) {
	t.Parallel()
	conn, err := net.DialTimeout("tcp", "10.255.255.1:1", 50*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Skip("environment has an unexpectedly routable 10.255.255.1")
	}

	ps, err := Dial(0, "10.255.255.1:1", &metainfo.Metainfo{}, [20]byte{})
	assert.Nil(t, ps)
	assert.ErrorIs(t, err, torrenterr.New(torrenterr.KindConnectTimeout, nil))
}
