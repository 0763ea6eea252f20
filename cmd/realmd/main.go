//go:build linux

// realmd is the host-side realm daemon. It serves a line-oriented command
// interface on a local unix socket and brokers vsock control channels to the
// guests it launches.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/realmkit/realmkit/internal/host/daemon"
)

func main() {
	app := &cli.App{
		Name:  "realmd",
		Usage: "provision and operate isolated guest realms",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:     "cli-socket",
				Aliases:  []string{"c"},
				Required: true,
				Usage:    "path to the command socket",
			},
			&cli.PathFlag{
				Name:    "workdir",
				Aliases: []string{"w"},
				Value:   "./workdir",
				Usage:   "path to the work dir",
			},
			&cli.UintFlag{
				Name:  "vsock-port",
				Value: 1337,
				Usage: "vsock port guests connect to",
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Value: "info",
				Usage: "logging level: debug, info, warning, error, fatal, panic",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "logging format: text or json",
			},
			&cli.PathFlag{
				Name:  "logfile",
				Usage: "logging target, omit for stderr",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("realmd failed")
	}
}

func setupLogging(c *cli.Context) error {
	if path := c.Path("logfile"); path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return err
		}
		logrus.SetOutput(f)
	}
	switch c.String("log-format") {
	case "text":
		// retain logrus's default.
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return cli.Exit("unknown log-format "+c.String("log-format"), 1)
	}
	level, err := logrus.ParseLevel(c.String("loglevel"))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}

func run(c *cli.Context) error {
	if err := setupLogging(c); err != nil {
		return err
	}

	workdir, err := filepath.Abs(c.Path("workdir"))
	if err != nil {
		return err
	}
	logrus.WithField("workdir", workdir).Debug("starting realmd")

	d, err := daemon.New(workdir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	return d.Serve(ctx, c.Path("cli-socket"), uint32(c.Uint("vsock-port")))
}
