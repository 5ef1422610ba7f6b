package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/pdok/landform/config"
	"github.com/pdok/landform/crs"
	"github.com/pdok/landform/driver"
	"github.com/pdok/landform/log"
	"github.com/pdok/landform/pipeline"
	"github.com/pdok/landform/sink"
)

const REQUEST string = `request`
const TARGET string = `targetGpkg`
const OVERWRITE string = `overwrite`
const PAGESIZE string = `pagesize`
const WORKERS string = `workers`
const LOGLEVEL string = `logLevel`
const DEVELOPMENT string = `development`
const PROGRESS string = `progress`

// exit code of a job that ran but ended Failed
const exitFailed = 2

//nolint:funlen
func main() {
	app := cli.NewApp()
	app.Name = "landform"
	app.Usage = "Imports elevation and vector sources into a tiled landscape GeoPackage"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "debug, info, warn or error",
			Value:   "info",
			EnvVars: []string{strcase.ToScreamingSnake(LOGLEVEL)},
		},
		&cli.BoolFlag{
			Name:    DEVELOPMENT,
			Usage:   "Log human readable console output instead of JSON",
			EnvVars: []string{strcase.ToScreamingSnake(DEVELOPMENT)},
		},
	}
	app.Before = func(c *cli.Context) error {
		logger, err := log.New(c.String(LOGLEVEL), c.Bool(DEVELOPMENT))
		if err != nil {
			return err
		}
		log.SetLogger(logger)
		return nil
	}
	app.After = func(*cli.Context) error {
		_ = log.Sync()
		return nil
	}

	app.Commands = []*cli.Command{
		{
			Name:  "import",
			Usage: "Run the import described by a request file",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     REQUEST,
					Aliases:  []string{"r"},
					Usage:    "Request file (YAML or JSON) naming the sources, target reference and grid",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(REQUEST)},
				},
				&cli.StringFlag{
					Name:     TARGET,
					Aliases:  []string{"t"},
					Usage:    "Target GPKG the finalized tiles are written to",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(TARGET)},
				},
				&cli.BoolFlag{
					Name:     OVERWRITE,
					Aliases:  []string{"o"},
					Usage:    "Overwrite a target GPKG if it exists",
					Required: false,
					EnvVars:  []string{strcase.ToScreamingSnake(OVERWRITE)},
				},
				&cli.IntFlag{
					Name:     PAGESIZE,
					Aliases:  []string{"p"},
					Usage:    "Page Size, how many tiles are written per transaction to the target GPKG. Overrides the request file.",
					Required: false,
					EnvVars:  []string{strcase.ToScreamingSnake(PAGESIZE)},
				},
				&cli.IntFlag{
					Name:     WORKERS,
					Aliases:  []string{"w"},
					Usage:    "Number of sources processed in parallel. Overrides the request file.",
					Required: false,
					EnvVars:  []string{strcase.ToScreamingSnake(WORKERS)},
				},
				&cli.DurationFlag{
					Name:    PROGRESS,
					Usage:   "Interval between progress reports, 0 disables them",
					Value:   10 * time.Second,
					EnvVars: []string{strcase.ToScreamingSnake(PROGRESS)},
				},
			},
			Action: importAction,
		},
		{
			Name:  "drivers",
			Usage: "List the supported source formats",
			Action: func(*cli.Context) error {
				for _, d := range driver.DefaultRegistry().Drivers() {
					fmt.Printf("%-12s %-7s %s\n", d.Name(), d.Kind(), strings.Join(d.Extensions(), " "))
				}
				return nil
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		var exit cli.ExitCoder
		if !errors.As(err, &exit) {
			log.Error("landform failed", zap.Error(err))
		}
		_ = log.Sync()
		os.Exit(1)
	}
}

func importAction(c *cli.Context) error {
	file, err := config.Load(c.String(REQUEST))
	if err != nil {
		return err
	}
	if c.IsSet(PAGESIZE) {
		file.PageSize = c.Int(PAGESIZE)
	}
	if c.IsSet(WORKERS) {
		file.Workers = c.Int(WORKERS)
	}
	req, err := file.Request()
	if err != nil {
		return err
	}

	target := &sink.LazyGeopackage{
		File:      c.String(TARGET),
		PageSize:  file.PageSize,
		Overwrite: c.Bool(OVERWRITE),
	}
	defer func() {
		if err := target.Close(); err != nil {
			log.Error("failed to close target", zap.Error(err))
		}
	}()

	resolver := crs.NewResolver()
	defer resolver.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("=== start import ===", zap.Int("sources", len(req.Sources)), zap.String("target", c.String(TARGET)))
	job := pipeline.NewImporter(driver.DefaultRegistry(), resolver).Start(ctx, req, target)
	status := waitReporting(job, c.Duration(PROGRESS))

	for _, d := range status.Diagnostics {
		log.Warn("diagnostic", zap.String("source", d.Source), zap.Stringer("kind", d.Kind), zap.Error(d.Err))
	}
	if status.State == pipeline.Failed {
		log.Error("=== import failed ===",
			zap.Stringer("job", status.ID),
			zap.Error(status.Err),
			zap.Int("diagnostics", len(status.Diagnostics)))
		return cli.Exit("", exitFailed)
	}
	log.Info("=== done importing ===",
		zap.Stringer("job", status.ID),
		zap.String("crs", status.Target),
		zap.Int("tiles", status.TilesFinalized),
		zap.Int("diagnostics", len(status.Diagnostics)))
	return nil
}

// waitReporting logs the job's progress every interval until it ends
func waitReporting(job *pipeline.Job, interval time.Duration) pipeline.Status {
	if interval <= 0 {
		return job.Wait()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-job.Done():
			return job.Status()
		case <-ticker.C:
			s := job.Status()
			log.Info("progress",
				zap.Stringer("state", s.State),
				zap.Float64("percent", s.Percent()),
				zap.Int("tiles", s.TilesFinalized))
		}
	}
}
