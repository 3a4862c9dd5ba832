// Package coordinator runs the download: it spawns one peer worker per
// discovered endpoint, fans piece indices out over a work channel, and
// verifies+stages completed pieces as they come back over a result
// channel.
package coordinator

import (
	"context"
	"crypto/sha1"
	"sync"

	"github.com/willf/bitset"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spudteo/bittorrent/internal/sink"
	"github.com/spudteo/bittorrent/internal/torrenterr"
	"github.com/spudteo/bittorrent/internal/torrentlog"
	"github.com/spudteo/bittorrent/metainfo"
	"github.com/spudteo/bittorrent/peer"
)

// CheckpointEvery controls how many newly completed pieces accumulate
// before the sink's checkpoint is flushed to disk.
const CheckpointEvery = 5

// DownloadState tracks which pieces remain, are in flight, or are done.
// The three sets are mutually exclusive and together cover every piece
// index; bitset gives cheap membership tests and popcounts for progress
// reporting.
// Workers report dequeues/requeues concurrently, so every transition goes
// through mu; the sets themselves are advisory (used for progress/debugging,
// never for correctness — Done() is the only load-bearing read).
type DownloadState struct {
	mu        sync.Mutex
	total     int
	remaining *bitset.BitSet
	inFlight  *bitset.BitSet
	completed *bitset.BitSet
}

// NewDownloadState seeds remaining with every index not already present
// in alreadyCompleted (as reported by the sink's checkpoint).
func NewDownloadState(total int, alreadyCompleted func(int) bool) *DownloadState {
	s := &DownloadState{
		total:     total,
		remaining: bitset.New(uint(total)),
		inFlight:  bitset.New(uint(total)),
		completed: bitset.New(uint(total)),
	}
	for i := 0; i < total; i++ {
		if alreadyCompleted(i) {
			s.completed.Set(uint(i))
		} else {
			s.remaining.Set(uint(i))
		}
	}
	return s
}

func (s *DownloadState) markInFlight(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining.Clear(uint(i))
	s.inFlight.Set(uint(i))
}

func (s *DownloadState) markRequeued(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight.Clear(uint(i))
	s.remaining.Set(uint(i))
}

func (s *DownloadState) markCompleted(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight.Clear(uint(i))
	s.completed.Set(uint(i))
}

// Done reports whether every piece has been verified and staged.
func (s *DownloadState) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.completed.Count()) == s.total
}

// Coordinator owns the work/result channels and drives the main loop
// described in the package doc.
type Coordinator struct {
	Meta      *metainfo.Metainfo
	OurPeerID [20]byte
	Sink      *sink.Sink
	Log       *zap.SugaredLogger

	work   chan int
	result chan peer.Result

	Completed atomic.Int64
}

// New builds a Coordinator ready to Run against the given peer endpoints.
func New(meta *metainfo.Metainfo, ourPeerID [20]byte, sk *sink.Sink, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = torrentlog.New()
	}
	total := len(meta.Info.PieceHashes)
	return &Coordinator{
		Meta:      meta,
		OurPeerID: ourPeerID,
		Sink:      sk,
		Log:       log,
		work:      make(chan int, total),
		result:    make(chan peer.Result, total),
	}
}

// Run spawns one worker per endpoint, seeds the work queue with every
// piece not already in the sink's checkpoint, and blocks until every
// piece has been verified and staged or ctx is cancelled. Run does not
// detect that every worker has exited; if that happens before the
// download completes, Run returns only once ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, endpoints []string) error {
	total := len(c.Meta.Info.PieceHashes)
	state := NewDownloadState(total, c.Sink.Completed)

	for i := 0; i < total; i++ {
		if !c.Sink.Completed(i) {
			c.work <- i
		}
	}
	if state.Done() {
		c.Log.Infow("download already complete per checkpoint", "pieces", total)
		return nil
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	g, gctx := errgroup.WithContext(workerCtx)
	for i, endpoint := range endpoints {
		i, endpoint := i, endpoint
		g.Go(func() error {
			c.runWorker(gctx, i, endpoint, state)
			return nil
		})
	}

	err := c.mainLoop(ctx, state)
	cancelWorkers()
	g.Wait()
	return err
}

func (c *Coordinator) mainLoop(ctx context.Context, state *DownloadState) error {
	total := state.total
	for {
		if state.Done() {
			if err := c.Sink.Flush(); err != nil {
				return err
			}
			c.Log.Infow("download complete", "pieces", total)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-c.result:
			c.handleResult(state, res)
		}
	}
}

func (c *Coordinator) handleResult(state *DownloadState, res peer.Result) {
	expected := c.Meta.Info.PieceHashes[res.Index]
	got := sha1.Sum(res.Bytes)
	if got != expected {
		c.Log.Warnw("corrupted piece, requeueing", "index", res.Index)
		state.markRequeued(res.Index)
		c.work <- res.Index
		return
	}

	if err := c.Sink.Stage(res.Index, res.Bytes); err != nil {
		c.Log.Errorw("sink write failed", "index", res.Index, "error", err)
		return
	}
	state.markCompleted(res.Index)
	c.Completed.Inc()
	c.Log.Infow("piece complete", "index", res.Index, "completed", c.Completed.Load(), "total", state.total)

	if int(c.Completed.Load())%CheckpointEvery == 0 {
		if err := c.Sink.Flush(); err != nil {
			c.Log.Errorw("checkpoint flush failed", "error", err)
		}
	}
}

// runWorker connects to endpoint and services pieces from c.work until the
// connection dies, a fatal error occurs, or ctx is cancelled.
func (c *Coordinator) runWorker(ctx context.Context, workerID int, endpoint string, state *DownloadState) {
	ps, err := peer.Dial(workerID, endpoint, c.Meta, c.OurPeerID)
	if err != nil {
		c.Log.Debugw("worker could not connect", "endpoint", endpoint, "error", err)
		return
	}
	defer ps.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case index := <-c.work:
			state.markInFlight(index)
			c.serveOne(ctx, ps, index, state)
			if ps.State() == peer.Dead {
				return
			}
		}
	}
}

func (c *Coordinator) serveOne(ctx context.Context, ps *peer.PeerStream, index int, state *DownloadState) {
	piece := peer.Piece{
		Index:  index,
		Hash:   c.Meta.Info.PieceHashes[index],
		Length: c.Meta.Info.PieceSize(index),
	}

	result, err := ps.DownloadPiece(piece)
	if err == nil {
		select {
		case c.result <- result:
		case <-ctx.Done():
		}
		return
	}

	var terr *torrenterr.Error
	if asTorrentErr(err, &terr) && terr.Kind == torrenterr.KindPieceNotPresent {
		c.requeue(ctx, index, state)
		return
	}

	c.Log.Debugw("worker disconnecting", "endpoint", ps.Endpoint, "index", index, "error", err)
	c.requeue(ctx, index, state)
	ps.Close()
}

func (c *Coordinator) requeue(ctx context.Context, index int, state *DownloadState) {
	state.markRequeued(index)
	select {
	case c.work <- index:
	case <-ctx.Done():
	}
}

func asTorrentErr(err error, target **torrenterr.Error) bool {
	te, ok := err.(*torrenterr.Error)
	if !ok {
		return false
	}
	*target = te
	return true
}
