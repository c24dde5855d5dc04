// Command btcore wires a .torrent file to SessionCore and prints periodic
// snapshots, demonstrating the client core without being the core itself —
// the CLI counterpart of the teacher's main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvbealr/bittorrent/internal/config"
	"github.com/lvbealr/bittorrent/internal/core"
	"github.com/lvbealr/bittorrent/internal/log"
	"github.com/lvbealr/bittorrent/internal/metainfo"
	"github.com/lvbealr/bittorrent/internal/session"
)

type printObserver struct {
	log *log.Logger
}

func (p printObserver) OnSnapshot(s session.Snapshot) {
	fmt.Printf("[%s] phase=%s pieces=%d/%d downloaded=%d peers=%d trackers=%d\n",
		s.Uptime.Round(time.Second), s.Phase, s.PiecesDownloaded, s.NumPieces,
		s.BytesDownloaded, len(s.Peers), len(s.Trackers))
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: btcore <path-to-torrent-file> [config.yaml]\n")
		os.Exit(1)
	}

	var configPath string
	if len(os.Args) >= 3 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "btcore: loading config: %v\n", err)
		os.Exit(1)
	}

	lg, err := log.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "btcore: building logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	md, err := metainfo.Load(os.Args[1])
	if err != nil {
		lg.Errorw("failed to load torrent metadata", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := core.Start(ctx, md, cfg, printObserver{log: lg})
	if err != nil {
		lg.Errorw("failed to start session", "err", err)
		os.Exit(1)
	}

	lg.Infow("session started", "name", md.Name(), "udp_port", handle.UDPPort())

	<-ctx.Done()
	lg.Infow("shutting down")

	if err := handle.Shutdown(); err != nil {
		lg.Errorw("shutdown error", "err", err)
		os.Exit(1)
	}
}
