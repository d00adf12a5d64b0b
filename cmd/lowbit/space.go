package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowbit/internal/host"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/quant"
	"github.com/samcharles93/lowbit/internal/space"
)

func spaceCmd(cpuInfo host.CPUInfo) *cli.Command {
	var recipePath string

	flags := append(commonModelFlags(), sidecarFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "recipe",
			Usage:       "tuning recipe (.yaml)",
			Destination: &recipePath,
		},
	)

	return &cli.Command{
		Name:  "space",
		Usage: "Print the tuning space of a model",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)
			if cfg.Recipe != "" && !cmd.IsSet("recipe") {
				recipePath = cfg.Recipe
			}

			recipe, err := loadRecipe(recipePath)
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
			ropts, err := recipe.adaptorOptions()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			opts := append([]quant.Option{
				quant.WithCPU(cpuInfo),
				quant.WithLogger(log),
				quant.WithSidecar(sc),
			}, ropts...)
			adaptor := quant.New(w.model, w.source(), opts...)

			caps, err := adaptor.Capability(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: capability: %v", err), 1)
			}
			var bopts []space.BuildOption
			if len(recipe.CalibSizes) > 0 {
				bopts = append(bopts, space.WithCalibSizes(recipe.CalibSizes...))
			}
			if len(recipe.SmoothQuant.Alphas) > 0 {
				bopts = append(bopts, space.WithSmoothQuantAlphas(recipe.SmoothQuant.Alphas...))
			}
			sp, err := space.New(caps, bopts...)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			printSpace(sp)
			log.Info("sidecar", "path", sc)
			return nil
		},
	}
}

func printSpace(sp *space.TuningSpace) {
	var rows [][]string
	for _, it := range sp.Items() {
		var modes []string
		options := 0
		for _, m := range it.Modes() {
			modes = append(modes, string(m))
			options += len(it.Options(m))
		}
		rows = append(rows, []string{it.Key().Name, it.Key().Type, strings.Join(modes, ","), strconv.Itoa(options)})
	}
	renderTable(os.Stdout, []string{"OP", "TYPE", "MODES", "OPTIONS"}, rows)

	sizes := make([]string, 0)
	for _, n := range sp.CalibSamplingSizes() {
		sizes = append(sizes, strconv.Itoa(n))
	}
	fmt.Printf("\ncalib_sampling_size: %s\n", strings.Join(sizes, ", "))
	if alphas := sp.SmoothQuantAlphas(); len(alphas) > 0 {
		var as []string
		for _, a := range alphas {
			as = append(as, strconv.FormatFloat(a, 'g', -1, 64))
		}
		fmt.Printf("smooth_quant_alpha:  %s\n", strings.Join(as, ", "))
	}
	summary := sp.Summary()
	for _, m := range space.ModePriority {
		if n := summary[m]; n > 0 {
			fmt.Printf("%-8s %d ops\n", m+":", n)
		}
	}
}
