// Command hp4 runs a process graph: every node becomes a child process,
// every edge a kernel pipe, and bytes move between them with zero-copy
// splice/tee until the graph drains.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/aacn500/hp4/internal/engine"
	"github.com/aacn500/hp4/internal/redispub"
	"github.com/aacn500/hp4/internal/stats"
	"github.com/aacn500/hp4/internal/statsapi"
	"github.com/aacn500/hp4/pkg/graph"
)

const version = "0.1.0"

const defaultIntervalMillis = 1000

func main() {
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version, V",
		Usage: "display version string and exit",
	}

	app := cli.NewApp()
	app.Name = "hp4"
	app.Usage = "run a process graph, pumping bytes between nodes with zero-copy pipes"
	app.ArgsUsage = "[file]"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "file, f",
			Usage: "file containing json definition of process graph",
		},
		cli.StringFlag{
			Name:  "interval, i",
			Usage: "time in milliseconds between dumping stats to stdout",
			Value: strconv.Itoa(defaultIntervalMillis),
		},
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "serve the read-only stats API on this address",
		},
		cli.StringFlag{
			Name:  "publish, p",
			Usage: "also publish stats lines to redis at this address",
		},
		cli.StringFlag{
			Name:  "channel, c",
			Usage: "redis channel for published stats lines",
			Value: redispub.DefaultChannel,
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug logging and dump the parsed graph",
		},
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log, err := newLogger(c.Bool("debug"))
	if err != nil {
		return err
	}
	defer log.Sync()

	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))

	file := c.String("file")
	if file == "" {
		file = c.Args().First()
	}
	if file == "" {
		_ = cli.ShowAppHelp(c)
		return cli.NewExitError("a file containing a process graph must be specified", 1)
	}

	g, err := graph.Load(file)
	if err != nil {
		return err
	}
	if err := graph.Validate(g); err != nil {
		return err
	}
	if c.Bool("debug") {
		log.Debug("parsed graph", zap.String("dump", spew.Sdump(g)))
	}

	history := &stats.History{}
	reporters := stats.Multi{
		&stats.LineWriter{W: os.Stdout},
		history,
	}
	if addr := c.String("publish"); addr != "" {
		pub := redispub.New(addr, c.String("channel"), log)
		defer pub.Close()
		reporters = append(reporters, pub)
	}

	eng, err := engine.New(g, engine.Config{
		StatsInterval: statsInterval(c.String("interval")),
		Reporter:      reporters,
		Log:           log,
	})
	if err != nil {
		return err
	}

	runCtx, runDone := context.WithCancel(context.Background())
	defer runDone()
	grp, ctx := errgroup.WithContext(runCtx)

	if addr := c.String("listen"); addr != "" {
		srv := statsapi.New(log, addr, runID, eng.Snapshot, history)
		grp.Go(srv.ListenAndServe)
		grp.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown()
		})
		grp.Go(func() error {
			// A dead stats server should not leave the graph running headless.
			<-ctx.Done()
			eng.Stop()
			return nil
		})
	}

	grp.Go(func() error {
		defer runDone()
		return eng.Run()
	})

	return grp.Wait()
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

// statsInterval parses the CLI interval. Non-numeric or non-positive values
// fall back to the default rather than failing the run.
func statsInterval(s string) time.Duration {
	ms, err := strconv.ParseUint(s, 10, 32)
	if err != nil || ms == 0 {
		ms = defaultIntervalMillis
	}
	return time.Duration(ms) * time.Millisecond
}
