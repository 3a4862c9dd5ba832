// Package torrenterr defines the typed error kinds surfaced by the
// downloader, so callers can distinguish them with errors.As/errors.Is
// instead of matching on message text.
package torrenterr

import "fmt"

// Kind tags the broad category of a downloader error.
type Kind string

const (
	KindParseBencode         Kind = "parse_bencode"
	KindInvalidMetainfo      Kind = "invalid_metainfo"
	KindTrackerUnreachable   Kind = "tracker_unreachable"
	KindNoPeers              Kind = "no_peers"
	KindConnectTimeout       Kind = "connect_timeout"
	KindHandshakeFailed      Kind = "handshake_failed"
	KindServerDoesNotHave    Kind = "server_does_not_have_file"
	KindPieceNotPresent      Kind = "piece_not_present"
	KindCorruptedPiece       Kind = "corrupted_piece"
	KindPeerIO               Kind = "peer_io"
	KindSinkIO               Kind = "sink_io"
	KindChannelClosed        Kind = "channel_closed"
)

// Error wraps an underlying cause with a Kind and, where relevant, a
// piece index.
type Error struct {
	Kind  Kind
	Index int // meaningful for KindPieceNotPresent and KindCorruptedPiece
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// NewPiece builds an *Error carrying a piece index (PieceNotPresent,
// CorruptedPiece).
func NewPiece(kind Kind, index int, err error) *Error {
	return &Error{Kind: kind, Index: index, Err: err}
}

// Is reports whether target is an *Error of the same Kind, so
// errors.Is(err, torrenterr.New(KindNoPeers, nil)) works without caring
// about the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}
