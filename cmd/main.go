package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/skratchdot/open-golang/open"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleepywoodpecker/daqstream/internal/config"
	"sleepywoodpecker/daqstream/internal/dashboard"
	"sleepywoodpecker/daqstream/internal/device"
	"sleepywoodpecker/daqstream/internal/logger"
	"sleepywoodpecker/daqstream/internal/orchestrator"
	"sleepywoodpecker/daqstream/internal/processing"
	"sleepywoodpecker/daqstream/internal/viewer"
)

var (
	configPath  = flag.String("config", "", "yaml config file (default "+config.DefaultConfigPath+" if present)")
	channels    = flag.String("channels", "", "comma separated channel ids, e.g. AIN0,AIN1,FIO0")
	ranges      = flag.String("ranges", "", "comma separated voltage ranges, one per analog channel")
	duration    = flag.Duration("duration", 0, "how long to collect")
	frequency   = flag.Float64("frequency", 0, "scan frequency in Hz")
	connection  = flag.String("connection", "", "USB, SERIAL or SIMULATED")
	port        = flag.String("port", "", "serial port of the device")
	backupPath  = flag.String("backup", "", "rolling backup CSV")
	finalPath   = flag.String("final", "", "final CSV written when the run ends")
	interval    = flag.Duration("interval", 0, "backup interval (max 60s)")
	view        = flag.Bool("view", false, "serve a live dashboard of the backup file")
	addr        = flag.String("addr", "", "dashboard listen address")
	openBrowser = flag.Bool("b", false, "open a browser window on the dashboard")
)

func printUsage() {
	fmt.Fprintf(os.Stderr,
		`Usage: `+os.Args[0]+` [options]

Streams channels from a DAQ device into memory, backs the buffer up to a CSV
file every interval and writes a final CSV when the run ends.

options:
`,
	)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	// context handler for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logger.NewLogger(cfg.Log.Path)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("[main] run failed", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()

	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}
	if path != "" {
		loaded, err := config.NewLoader(path).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := applyFlags(cfg); err != nil {
		return nil, err
	}
	cfg.Process()

	return cfg, nil
}

func applyFlags(cfg *config.Config) error {
	if *channels != "" {
		cfg.Run.Channels = splitList(*channels)
	}
	if *ranges != "" {
		parsed, err := parseRanges(*ranges)
		if err != nil {
			return err
		}
		cfg.Run.VoltageRanges = parsed
	}
	if *duration != 0 {
		cfg.Run.Duration = *duration
	}
	if *frequency != 0 {
		cfg.Run.Frequency = *frequency
	}
	if *connection != "" {
		cfg.Device.Connection = strings.ToUpper(*connection)
	}
	if *port != "" {
		cfg.Device.Port = *port
	}
	if *backupPath != "" {
		cfg.Backup.Path = *backupPath
	}
	if *finalPath != "" {
		cfg.Backup.FinalPath = *finalPath
	}
	if *interval != 0 {
		cfg.Backup.Interval = *interval
	}
	if *view {
		cfg.Viewer.Enabled = true
	}
	if *addr != "" {
		cfg.Viewer.Addr = *addr
	}
	if *openBrowser {
		cfg.Viewer.OpenBrowser = true
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseRanges(s string) ([]float64, error) {
	var out []float64
	for _, part := range splitList(s) {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid voltage range %q: %w", part, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// validate before touching the device
	if err := cfg.Validate(); err != nil {
		return err
	}

	sampler, err := device.Open(cfg, log)
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, sampler, log)
	if err := orch.Configure(); err != nil {
		sampler.Close()
		return err
	}

	// side workers stop as soon as the run is over
	sideCtx, stopSide := context.WithCancel(ctx)
	defer stopSide()

	g, gctx := errgroup.WithContext(sideCtx)

	if cfg.Telemetry.Enabled {
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.Telemetry.Addr)
		if err != nil {
			orch.Close()
			return err
		}
		udpConn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			orch.Close()
			return err
		}
		defer udpConn.Close()

		lineSampler := processing.NewLineSampler(cfg.Telemetry.Interval, udpConn, cfg.Telemetry.Measurement, log)
		buffer := orch.Buffer()
		g.Go(func() error {
			return lineSampler.Run(gctx, buffer)
		})
	}

	if cfg.Viewer.Enabled {
		board := dashboard.NewDashboard(log)
		liveViewer := viewer.NewLiveViewer(cfg.Backup.Path, cfg.Viewer.PollInterval, board, log)

		g.Go(func() error {
			return board.Serve(gctx, cfg.Viewer.Addr)
		})
		g.Go(func() error {
			return liveViewer.Run(gctx)
		})

		if cfg.Viewer.OpenBrowser {
			go func() {
				time.Sleep(100 * time.Millisecond)
				open.Run(browserURL(cfg.Viewer.Addr))
			}()
		}
	}

	var summary orchestrator.Summary
	var runErr error
	g.Go(func() error {
		defer stopSide()
		summary, runErr = orch.Run(ctx)
		return nil
	})

	sideErr := g.Wait()

	log.Info("[main] run summary",
		zap.String("runID", summary.RunID.String()),
		zap.Stringer("state", summary.State),
		zap.Int("rows", summary.Rows),
		zap.String("finalPath", summary.FinalPath),
		zap.Int("backupWrites", summary.Backup.Writes),
		zap.Duration("elapsed", summary.Elapsed),
	)

	if errors.Is(runErr, orchestrator.ErrJoinTimeout) {
		log.Warn("[main] workers had to be abandoned, final file holds what was collected")
	}
	return multierr.Append(runErr, sideErr)
}

func browserURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "http://localhost" + listenAddr
	}
	return "http://" + listenAddr
}
