package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowbit/internal/host"
	"github.com/samcharles93/lowbit/internal/logger"
)

func main() {
	cpuInfo := host.DetectCPU()
	app := &cli.Command{
		Name:  "lowbit",
		Usage: "Post-training quantisation tuner",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg = LoadConfig()
			applyLogConfig(cmd, cfg)
			log, err := openLogger()
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			spaceCmd(cpuInfo),
			smoothCmd(),
			tuneCmd(cpuInfo),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openLogger() (logger.Logger, error) {
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if debug {
		level = slog.LevelDebug
	}
	return logger.Open(logger.Format(logFormat), os.Stderr, level)
}
