package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"

	"github.com/spudteo/bittorrent/internal/coordinator"
	"github.com/spudteo/bittorrent/internal/sink"
	"github.com/spudteo/bittorrent/internal/torrentlog"
	"github.com/spudteo/bittorrent/metainfo"
	"github.com/spudteo/bittorrent/tracker"
)

var (
	app         = kingpin.New("go-torrent", "Single-file BitTorrent downloader.")
	torrentPath = app.Flag("file", "Path to the .torrent file.").Short('f').Required().String()
	outDir      = app.Flag("output-dir", "Directory to write the downloaded file and checkpoint into.").Short('o').Default(".").String()
	listenPort  = app.Flag("port", "Port advertised to the tracker.").Default("6881").Int()
)

// clientID builds a peer-id in the conventional "-XX0100-" + 12 random
// bytes shape.
func clientID() ([20]byte, error) {
	id := [20]byte{'-', 'G', 'T', '0', '1', '0', '0', '-'}
	_, err := rand.Read(id[8:])
	return id, err
}

func run() error {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := torrentlog.New()
	defer log.Sync()

	meta, err := metainfo.Open(*torrentPath)
	if err != nil {
		return fmt.Errorf("opening torrent: %w", err)
	}

	peerID, err := clientID()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	ctx := context.Background()
	resp, err := tracker.Announce(ctx, meta, peerID, *listenPort)
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}
	if len(resp.Peers) == 0 {
		return fmt.Errorf("tracker returned no peers")
	}
	log.Infow("tracker announce succeeded", "peers", len(resp.Peers), "interval", resp.Interval)

	outPath := filepath.Join(*outDir, meta.Info.Name)
	checkpointPath := outPath + ".checkpoint"

	sk, err := sink.Open(outPath, checkpointPath, meta.Info.TotalLength, meta.Info.PieceLength)
	if err != nil {
		return fmt.Errorf("opening output: %w", err)
	}
	defer sk.Close()

	endpoints := make([]string, len(resp.Peers))
	for i, p := range resp.Peers {
		endpoints[i] = p.Addr()
	}

	c := coordinator.New(meta, peerID, sk, log)
	if err := c.Run(ctx, endpoints); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	log.Infow("download finished", "file", outPath, "size", torrentlog.HumanBytes(int64(meta.Info.TotalLength)), "pieces", len(meta.Info.PieceHashes))
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
