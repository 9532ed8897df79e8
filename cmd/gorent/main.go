// Command gorent is a thin front-end over the download engine: parse a
// .torrent file, run it to completion, and print periodic progress. The
// interactive display itself is out of scope (spec.md §1 Non-goals); this
// is the trivial proof that the engine is usable standalone.
//
// Flag parsing grounded on talhaorak-gTorrent's CLI-driven torrent client,
// using github.com/alecthomas/kong instead of the teacher's bare flag
// package.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/gorent/gorent/metainfo"
	"github.com/gorent/gorent/torrent"
)

var cli struct {
	Torrent     string `arg:"" help:"Path to the .torrent file." type:"existingfile"`
	Destination string `short:"d" default:"." help:"Directory to write the downloaded files into."`
	Port        uint16 `short:"p" default:"6881" help:"Nominal listen port advertised to the tracker."`
	DHT         bool   `help:"Enable DHT peer discovery in addition to the tracker."`
	DHTPort     int    `default:"6881" help:"UDP port for the DHT client."`
	Verbose     bool   `short:"v" help:"Enable debug-level logging."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("gorent"),
		kong.Description("A leecher-only BitTorrent client."),
	)

	log := logrus.New()
	if cli.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(log)

	if err := run(entry); err != nil {
		log.WithError(err).Error("download failed")
		os.Exit(1)
	}
}

func run(log *logrus.Entry) error {
	meta, err := metainfo.ParseFile(cli.Torrent)
	if err != nil {
		return err
	}

	sup, err := torrent.New(meta, torrent.Config{
		Destination: cli.Destination,
		ListenPort:  cli.Port,
		EnableDHT:   cli.DHT,
		DHTPort:     cli.DHTPort,
	}, log)
	if err != nil {
		return err
	}
	defer sup.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			fmt.Printf("\n%s: %.1f%% (%d bytes), status=%s\n",
				meta.Name, sup.Progress()*100, sup.DownloadedBytes(), sup.Status())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-ticker.C:
			fmt.Printf("\r%s: %.1f%% (%d bytes), %d peers, status=%s",
				meta.Name, sup.Progress()*100, sup.DownloadedBytes(), sup.PeerCount(), sup.Status())
		}
	}
}
