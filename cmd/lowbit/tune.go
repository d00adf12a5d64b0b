package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowbit/internal/api"
	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/history"
	"github.com/samcharles93/lowbit/internal/host"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/quant"
	"github.com/samcharles93/lowbit/internal/space"
	"github.com/samcharles93/lowbit/internal/strategy"
)

func tuneCmd(cpuInfo host.CPUInfo) *cli.Command {
	var (
		recipePath  string
		statusAddr  string
		recordPath  string
		historyPath string
	)

	flags := append(commonModelFlags(), sidecarFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "recipe",
			Aliases:     []string{"r"},
			Usage:       "tuning recipe (.yaml)",
			Destination: &recipePath,
		},
		&cli.StringFlag{
			Name:        "status-addr",
			Usage:       "serve the run status on this address while tuning",
			Destination: &statusAddr,
		},
		&cli.StringFlag{
			Name:        "record",
			Usage:       "result record output; defaults to <model>.tune.json",
			Destination: &recordPath,
		},
		&cli.StringFlag{
			Name:        "history",
			Usage:       "write every trial to this file when the run ends",
			Destination: &historyPath,
		},
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Search a quantisation config within an accuracy tolerance",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)
			applyTuneConfig(cmd, cfg, &recipePath, &statusAddr)

			recipe, err := loadRecipe(recipePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tcfg, err := recipe.tuneConfig(seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			ropts, err := recipe.adaptorOptions()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			w, err := loadWorkload(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			sc, err := resolveSidecar(modelPath, sidecarPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: sidecar: %v", err), 1)
			}

			opts := append([]quant.Option{
				quant.WithCPU(cpuInfo),
				quant.WithLogger(log),
				quant.WithExample(w.example...),
				quant.WithSidecar(sc),
			}, ropts...)
			adaptor := quant.New(w.model, w.source(), opts...)
			eval := quant.FidelityEvaluator{Reference: w.model, Data: w.source(), Limit: recipe.EvalLimit}
			bench := quant.Benchmark{Data: w.source(), Warmup: recipe.Benchmark.Warmup, Iters: recipe.Benchmark.Iters}
			tuner := strategy.New(adaptor, eval.Evaluate, tcfg,
				strategy.WithPerf(bench.Measure),
				strategy.WithLogger(log),
			)

			runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if statusAddr != "" {
				srvCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go serveStatus(srvCtx, log, tuner.Store(), statusAddr)
			}

			log.Info("tuning", "recipe", recipe.String(), "tolerance", tcfg.Tolerance, "relative", tcfg.Relative, "cpu_vnni", cpuInfo.VNNI)
			res, runErr := tuner.Run(runCtx)
			if runErr != nil && res == nil {
				if errtypes.IsConfig(runErr) {
					return cli.Exit(fmt.Sprintf("error: %v", runErr), 1)
				}
				return cli.Exit(fmt.Sprintf("error: tune: %v", runErr), 1)
			}
			if runErr != nil {
				log.Warn("tuning interrupted", "error", runErr)
			}

			printTrials(res.Trials)
			fmt.Printf("\nstatus: %s  baseline: %.4f  accuracy: %.4f  trials: %d\n",
				res.Status, res.Baseline, res.Accuracy, len(res.Trials))

			if historyPath != "" {
				if err := writeHistory(historyPath, tuner.Store()); err != nil {
					return cli.Exit(fmt.Sprintf("error: history: %v", err), 1)
				}
			}
			if res.Status == strategy.StateExhausted {
				log.Warn("no configuration met the accuracy goal")
				return nil
			}
			out, err := resolveOutput(modelPath, recordPath, ".tune.json")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: output: %v", err), 1)
			}
			if err := writeRecord(out, res.Record); err != nil {
				return cli.Exit(fmt.Sprintf("error: record: %v", err), 1)
			}
			log.Info("record written", "path", out, "status", string(res.Status))
			return nil
		},
	}
}

func printTrials(trials []history.Trial) {
	var rows [][]string
	for _, t := range trials {
		lat := ""
		if t.Latency > 0 {
			lat = t.Latency.Round(time.Microsecond).String()
		}
		note := t.Error
		if t.Reused {
			note = "reused"
		}
		rows = append(rows, []string{
			strconv.Itoa(t.Index),
			string(t.Outcome),
			strconv.FormatFloat(t.Accuracy, 'f', 4, 64),
			lat,
			strconv.Itoa(t.Config.Len() - t.Config.Count(space.FP32)),
			note,
		})
	}
	renderTable(os.Stdout, []string{"TRIAL", "OUTCOME", "ACCURACY", "LATENCY", "QUANTISED", "NOTE"}, rows)
}

func writeRecord(path string, rec strategy.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := strategy.WriteRecord(f, rec); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeHistory(path string, store *history.Store) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := store.WriteJSON(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newStatusEcho(store *history.Store) *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	api.NewServer(store).Register(e)
	return e
}

func serveStatus(ctx context.Context, log logger.Logger, store *history.Store, addr string) {
	e := newStatusEcho(store)
	log.Info("status server listening", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	if err := sc.Start(ctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("status server stopped", "error", err)
	}
}
