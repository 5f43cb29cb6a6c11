package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/skratchdot/open-golang/open"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleepywoodpecker/daqstream/internal/config"
	"sleepywoodpecker/daqstream/internal/dashboard"
	"sleepywoodpecker/daqstream/internal/logger"
	"sleepywoodpecker/daqstream/internal/viewer"
)

var (
	csvPath     = flag.String("csv", config.DefaultBackupPath, "snapshot CSV to watch")
	poll        = flag.Duration("poll", config.DefaultPollInterval, "how often to re-read the file")
	addr        = flag.String("addr", config.DefaultViewerAddr, "dashboard listen address")
	openBrowser = flag.Bool("b", false, "open a browser window on the dashboard")
)

func printUsage() {
	fmt.Fprintf(os.Stderr,
		`Usage: `+os.Args[0]+` [options]

Watches a snapshot CSV written by an acquisition run and plots every data
column against SYSTEM_TIME in the browser.

options:
`,
	)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := logger.NewConsoleLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	board := dashboard.NewDashboard(log)
	liveViewer := viewer.NewLiveViewer(*csvPath, *poll, board, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return board.Serve(gctx, *addr)
	})
	g.Go(func() error {
		return liveViewer.Run(gctx)
	})

	if *openBrowser {
		go func() {
			time.Sleep(100 * time.Millisecond)
			url := "http://" + *addr
			if strings.HasPrefix(*addr, ":") {
				url = "http://localhost" + *addr
			}
			open.Run(url)
		}()
	}

	if err := g.Wait(); err != nil {
		log.Error("[viewer] stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
