package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowbit/internal/api"
	"github.com/samcharles93/lowbit/internal/history"
	"github.com/samcharles93/lowbit/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		historyPath string
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a finished tuning run over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "history",
				Usage:       "trial history written by tune --history",
				Required:    true,
				Destination: &historyPath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Value:       "127.0.0.1:8080",
				Usage:       "listen address",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Value:       10 * time.Second,
				Usage:       "HTTP read header timeout",
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, cfg, &addr)

			store, err := readHistory(historyPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: history: %v", err), 1)
			}
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			api.NewServer(store).Register(e)

			log.Info("starting server", "address", addr, "run_id", store.Snapshot().RunID, "trials", store.Len())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func readHistory(path string) (*history.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return history.ReadJSON(f)
}
