// Package sink implements the persisted output file and its checkpoint
// sidecar: writing verified pieces to their absolute offset and recording,
// atomically, which piece indices have been flushed to disk.
package sink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spudteo/bittorrent/internal/torrenterr"
)

// Sink owns the output file handle exclusively; all writes for a download
// go through it.
type Sink struct {
	mu             sync.Mutex
	file           *os.File
	checkpointPath string
	pieceLength    int

	staged    map[int][]byte
	completed map[int]bool
}

// Open pre-sizes (or reuses) the output file at outputPath to totalLength
// and loads any existing checkpoint for resume. checkpointPath records the
// set of piece indices already flushed.
func Open(outputPath, checkpointPath string, totalLength, pieceLength int) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, torrenterr.New(torrenterr.KindSinkIO, err)
	}

	file, err := os.OpenFile(outputPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, torrenterr.New(torrenterr.KindSinkIO, err)
	}
	if err := file.Truncate(int64(totalLength)); err != nil {
		file.Close()
		return nil, torrenterr.New(torrenterr.KindSinkIO, err)
	}

	completed, err := loadCheckpoint(checkpointPath)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Sink{
		file:           file,
		checkpointPath: checkpointPath,
		pieceLength:    pieceLength,
		staged:         make(map[int][]byte),
		completed:      completed,
	}, nil
}

// Completed reports whether piece index has already been flushed, either
// per the checkpoint loaded at Open time or by a later Flush.
func (s *Sink) Completed(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[index]
}

// CompletedCount returns the number of pieces recorded as flushed.
func (s *Sink) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// Stage writes piece index's bytes to their absolute file offset and marks
// it pending flush. The write itself is immediate (seek+write); Stage only
// defers the checkpoint update so a crash between Stage and Flush is
// recovered by simply re-downloading the piece.
func (s *Sink) Stage(index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := int64(index) * int64(s.pieceLength)
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return torrenterr.New(torrenterr.KindSinkIO, fmt.Errorf("writing piece %d: %w", index, err))
	}
	s.staged[index] = nil
	return nil
}

// Flush commits every staged-but-unflushed piece to the checkpoint,
// atomically (write to a temp file, then rename over the checkpoint).
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Sink) flushLocked() error {
	if len(s.staged) == 0 {
		return nil
	}
	for idx := range s.staged {
		s.completed[idx] = true
	}
	s.staged = make(map[int][]byte)

	if err := s.file.Sync(); err != nil {
		return torrenterr.New(torrenterr.KindSinkIO, err)
	}
	return writeCheckpoint(s.checkpointPath, s.completed)
}

// Close flushes any outstanding pieces and releases the file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	flushErr := s.flushLocked()
	s.mu.Unlock()
	if closeErr := s.file.Close(); closeErr != nil && flushErr == nil {
		return torrenterr.New(torrenterr.KindSinkIO, closeErr)
	}
	return flushErr
}

// checkpointFile is the on-disk shape of the sidecar: a sorted list of
// completed piece indices. The format is not meant to be bit-stable across
// implementations, only internally self-consistent.
type checkpointFile struct {
	Completed []int `json:"completed"`
}

func loadCheckpoint(path string) (map[int]bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[int]bool), nil
	}
	if err != nil {
		return nil, torrenterr.New(torrenterr.KindSinkIO, err)
	}
	var cp checkpointFile
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, torrenterr.New(torrenterr.KindSinkIO, fmt.Errorf("parsing checkpoint %s: %w", path, err))
	}
	completed := make(map[int]bool, len(cp.Completed))
	for _, idx := range cp.Completed {
		completed[idx] = true
	}
	return completed, nil
}

func writeCheckpoint(path string, completed map[int]bool) error {
	indices := make([]int, 0, len(completed))
	for idx := range completed {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	data, err := json.Marshal(checkpointFile{Completed: indices})
	if err != nil {
		return torrenterr.New(torrenterr.KindSinkIO, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return torrenterr.New(torrenterr.KindSinkIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return torrenterr.New(torrenterr.KindSinkIO, err)
	}
	return nil
}
