// Package main is the surfelrec command line tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/gekko3d/surfelrec"
	"github.com/gekko3d/surfelrec/dataset"
	"github.com/gekko3d/surfelrec/gpu"
	"github.com/gekko3d/surfelrec/sensor"
	"github.com/gekko3d/surfelrec/store"
)

const (
	// Flags.
	flagConfig             = "config"
	flagDebug              = "debug"
	flagCapacity           = "capacity"
	flagIndex              = "index"
	flagCheckpoint         = "checkpoint"
	flagCheckpointInterval = "checkpoint-interval"
	flagResume             = "resume"
	flagMetricsAddr        = "metrics-addr"
	flagRenderInterval     = "render-interval"
	flagGPU                = "gpu"
	flagExport             = "export"
)

var app = &cli.App{
	Name:  "surfelrec",
	Usage: "incremental surfel reconstruction from RGB-D sequences",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "run",
			Usage:     "fuse a dataset into a surfel model",
			ArgsUsage: "<tum|synthetic> <dataset-path> [max-frames]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:  flagConfig,
					Usage: "load configuration from `FILE` (yaml)",
				},
				&cli.IntFlag{
					Name:  flagCapacity,
					Usage: "maximum number of surfels",
				},
				&cli.StringFlag{
					Name:  flagIndex,
					Usage: "correspondence index: grid or kdtree",
				},
				&cli.PathFlag{
					Name:  flagCheckpoint,
					Usage: "save checkpoints to the sqlite database at `FILE`",
				},
				&cli.IntFlag{
					Name:  flagCheckpointInterval,
					Usage: "frames between checkpoints (0 saves once at the end)",
				},
				&cli.BoolFlag{
					Name:  flagResume,
					Usage: "resume from the latest checkpoint in the database",
				},
				&cli.StringFlag{
					Name:  flagMetricsAddr,
					Usage: "serve prometheus metrics on `ADDR`",
				},
				&cli.DurationFlag{
					Name:  flagRenderInterval,
					Usage: "render consumer cadence",
					Value: 33 * time.Millisecond,
				},
				&cli.BoolFlag{
					Name:  flagGPU,
					Usage: "mirror snapshots into a GPU storage buffer",
				},
				&cli.PathFlag{
					Name:  flagExport,
					Usage: "write the final model view as a PNG to `FILE`",
				},
			},
			Action: RunAction,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*surfelrec.ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return surfelrec.NewZapLogger(l, debug), nil
}

// RunAction is the run command.
func RunAction(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.ShowSubcommandHelp(c)
	}
	logger, err := newLogger(c.Bool(flagDebug))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg := surfelrec.DefaultConfig()
	if path := c.Path(flagConfig); path != "" {
		if cfg, err = surfelrec.LoadConfig(path); err != nil {
			return err
		}
	}
	if c.IsSet(flagCapacity) {
		cfg.Capacity = c.Int(flagCapacity)
	}
	if c.IsSet(flagIndex) {
		cfg.Index = surfelrec.IndexKind(c.String(flagIndex))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ds, err := dataset.Load(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	if arg := c.Args().Get(2); arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return fmt.Errorf("max-frames must be a positive integer, got %q", arg)
		}
		if ds, err = dataset.Head(ds, n); err != nil {
			return err
		}
	}
	intrinsics, _, _ := ds.Camera(0)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := surfelrec.NewMetrics(reg)
	if addr := c.String(flagMetricsAddr); addr != "" {
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background()) //nolint:errcheck
		logger.Infof("serving metrics on %s", addr)
	}

	var checkpoints *store.Store
	if path := c.Path(flagCheckpoint); path != "" {
		if checkpoints, err = store.Open(path, store.WithLogger(logger.Named("store"))); err != nil {
			return err
		}
		defer checkpoints.Close()
	}

	modelOpts := []surfelrec.ModelOption{surfelrec.WithLogger(logger.Named("model")), surfelrec.WithMetrics(metrics)}
	model, err := openModel(ctx, c, cfg, checkpoints, modelOpts)
	if err != nil {
		return err
	}

	profiler := surfelrec.NewProfiler()
	fusion, err := surfelrec.NewSurfelFusion(intrinsics.Width, intrinsics.Height, cfg.Fusion,
		surfelrec.WithBuilderParameters(cfg.Builder),
		surfelrec.WithFusionLogger(logger.Named("fusion")),
		surfelrec.WithFusionMetrics(metrics),
		surfelrec.WithProfiler(profiler))
	if err != nil {
		return err
	}

	opts := surfelrec.SessionOptions{
		RenderInterval:     c.Duration(flagRenderInterval),
		CheckpointInterval: c.Int(flagCheckpointInterval),
		Logger:             logger.Named("session"),
		Profiler:           profiler,
		Consumer:           statsConsumer(logger),
	}
	if checkpoints != nil {
		opts.Checkpoint = checkpoints.Checkpointer()
	}
	if c.Bool(flagGPU) {
		device, release, err := gpu.NewHeadlessDevice()
		if err != nil {
			return err
		}
		defer release()
		uploader, err := gpu.NewSurfelUploader(device, model.Capacity())
		if err != nil {
			return err
		}
		defer uploader.Release()
		opts.Consumer = uploader
	}

	session, err := surfelrec.NewSession(model, fusion, dataset.NewSource(ds), opts)
	if err != nil {
		return err
	}
	if err := session.Run(ctx); err != nil {
		return err
	}

	s := session.Stats()
	fmt.Fprintf(c.App.Writer, "frames: %d\nsurfels: %d/%d\n%s\n", session.Frames(), model.Len(), model.Capacity(), s)

	if gt := ds.Trajectory(); gt != nil {
		errs := dataset.RelativePoseErrors(gt, session.Trajectory())
		for i, e := range errs {
			logger.Debugf("frame %d relative error: %.4f translation, %.3f rotation (degrees)",
				i+1, e.Translation, mgl32.RadToDeg(e.Rotation))
		}
		if len(errs) > 0 {
			fmt.Fprintln(c.App.Writer, dataset.SummarizePoseErrors(errs))
		}
	}

	if path := c.Path(flagExport); path != "" {
		if err := exportView(path, model, intrinsics); err != nil {
			return err
		}
		logger.Infof("model view written to %s", path)
	}
	return nil
}

func openModel(ctx context.Context, c *cli.Context, cfg surfelrec.Config, checkpoints *store.Store, opts []surfelrec.ModelOption) (*surfelrec.SurfelModel, error) {
	if !c.Bool(flagResume) {
		return cfg.NewModel(opts...)
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("--%s requires --%s", flagResume, flagCheckpoint)
	}
	cp, err := checkpoints.LatestCheckpoint(ctx, uuid.Nil)
	if err != nil {
		return nil, err
	}
	index, err := cfg.NewIndex()
	if err != nil {
		return nil, err
	}
	return checkpoints.Restore(ctx, cp, append(opts, surfelrec.WithIndex(index))...)
}

func statsConsumer(logger surfelrec.Logger) surfelrec.RenderConsumer {
	return surfelrec.RenderFunc(func(_ context.Context, s *surfelrec.Snapshot) error {
		if logger.DebugEnabled() {
			st := surfelrec.ComputeModelStats(s, s.Frame)
			logger.Debugf("snapshot v%d: %d surfels, confidence %.2f±%.2f (median %.2f), radius %.4f",
				st.Version, st.Count, st.MeanConfidence, st.StdConfidence, st.MedianConfidence, st.MeanRadius)
		}
		return nil
	})
}

// exportView renders the model from the last fused pose.
func exportView(path string, model *surfelrec.SurfelModel, in sensor.Intrinsics) error {
	camera := model.RenderCamera()
	camera.Intrinsics = in
	img := model.RenderToRangeImage(camera)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(f, img.ColorImage()); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
