//go:build linux

// realm-manager runs inside a guest realm. It decrypts and mounts the
// application storage the host provisioned, installs measured container
// images, launches them, and serves the host's commands over vsock.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realmkit/realmkit/internal/guest/manager"
)

func main() {
	configPath := flag.String("config", manager.DefaultConfigPath, "path to the manager configuration")
	logLevel := flag.String("loglevel", "debug", "logging level: debug, info, warning, error, fatal, panic")
	logFile := flag.String("logfile", "", "logging target, omit for console output")
	logFormat := flag.String("log-format", "text", "logging format: text or json")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "\nUsage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "    %s -config=/etc/realm-manager.yaml -loglevel=info\n", os.Args[0])
	}

	flag.Parse()

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"path":          *logFile,
				logrus.ErrorKey: err,
			}).Fatal("failed to create log file")
		}
		logrus.SetOutput(f)
	}

	switch *logFormat {
	case "text":
		// retain logrus's default.
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		logrus.WithField("log-format", *logFormat).Fatal("unknown log-format")
	}

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	logrus.Info("realm-manager started")

	cfg, err := manager.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	ctx := context.Background()
	m, err := manager.Setup(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("guest setup failed")
	}
	if err := m.Run(ctx); err != nil {
		logrus.WithError(err).Fatal("realm-manager failed")
	}
	logrus.Info("realm-manager finished")
}
