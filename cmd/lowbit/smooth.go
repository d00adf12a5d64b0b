package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lowbit/internal/calib"
	"github.com/samcharles93/lowbit/internal/logger"
	"github.com/samcharles93/lowbit/internal/modelspec"
	"github.com/samcharles93/lowbit/internal/quant"
	"github.com/samcharles93/lowbit/internal/safetensors"
	"github.com/samcharles93/lowbit/internal/sidecar"
	"github.com/samcharles93/lowbit/internal/smooth"
)

func smoothCmd() *cli.Command {
	var (
		alpha        float64
		auto         bool
		insert       bool
		scaleSharing bool
		calibIters   int64
		legacyZero   bool
		exportOnly   bool
		outPath      string
		dtype        string
	)

	flags := append(commonModelFlags(), sidecarFlags()...)
	flags = append(flags,
		&cli.FloatFlag{
			Name:        "alpha",
			Usage:       "migration strength between activations and weights",
			Value:       0.5,
			Destination: &alpha,
		},
		&cli.BoolFlag{
			Name:        "auto",
			Usage:       "search alpha per absorbing layer",
			Destination: &auto,
		},
		&cli.BoolFlag{
			Name:        "insert",
			Usage:       "insert a runtime multiply instead of folding scales into the previous layer",
			Destination: &insert,
		},
		&cli.BoolFlag{
			Name:        "scale-sharing",
			Usage:       "share one scale between layers reading the same tensor (insert mode)",
			Destination: &scaleSharing,
		},
		&cli.Int64Flag{
			Name:        "calib-iters",
			Usage:       "calibration batches (-1 for all)",
			Value:       100,
			Destination: &calibIters,
		},
		&cli.BoolFlag{
			Name:        "legacy-zero-weight-scale",
			Usage:       "use scale 0 where a weight column is all zero",
			Destination: &legacyZero,
		},
		&cli.BoolFlag{
			Name:        "export",
			Usage:       "only write smoothing factors to the sidecar, leave weights untouched",
			Destination: &exportOnly,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "smoothed weights output; defaults to <model>.smooth.safetensors",
			Destination: &outPath,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "output dtype (F32, BF16, F16)",
			Value:       string(safetensors.F32),
			Destination: &dtype,
		},
	)

	return &cli.Command{
		Name:  "smooth",
		Usage: "Apply smooth quant to a model",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)

			dt := safetensors.DType(strings.ToUpper(dtype))
			if _, err := dt.Size(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			w, err := loadWorkload(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			sm := smooth.New(w.model, w.source(),
				smooth.WithCalibrator(calib.New(log)),
				smooth.WithExample(w.example...),
				smooth.WithLogger(log),
			)
			opts := smooth.TransformOptions{
				Alpha:        alpha,
				Auto:         auto,
				Folding:      !insert,
				CalibIters:   int(calibIters),
				ScaleSharing: scaleSharing,
				Scale:        smooth.ScaleOptions{LegacyZeroWeightScale: legacyZero},
			}
			if auto {
				opts.AutoAlpha = smooth.DefaultAutoAlpha()
			}

			if exportOnly {
				sc, err := resolveSidecar(modelPath, sidecarPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: sidecar: %v", err), 1)
				}
				adaptor := quant.New(w.model, w.source(), quant.WithLogger(log), quant.WithSidecar(sc))
				if _, err := adaptor.Capability(ctx); err != nil {
					return cli.Exit(fmt.Sprintf("error: sidecar: %v", err), 1)
				}
				info, err := sm.Export(ctx, opts)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: smooth quant: %v", err), 1)
				}
				n, err := sidecar.UpdateFile(sc, quant.SQScales(info))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: sidecar: %v", err), 1)
				}
				log.Info("sidecar updated", "path", sc, "ops", n)
				return nil
			}

			applied, err := sm.Transform(ctx, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: smooth quant: %v", err), 1)
			}
			if applied.Skipped {
				log.Warn("smooth quant skipped", "reason", applied.Reason)
				return nil
			}
			printApplied(applied)

			out, err := resolveOutput(modelPath, outPath, ".smooth.safetensors")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: output: %v", err), 1)
			}
			if err := modelspec.SaveWeights(out, w.model, dt); err != nil {
				return cli.Exit(fmt.Sprintf("error: save weights: %v", err), 1)
			}
			log.Info("smoothed weights written", "path", out, "dtype", dt, "equivalent", applied.Equivalent)
			return nil
		},
	}
}

func printApplied(a *smooth.Applied) {
	var rows [][]string
	for key, members := range a.Groups.All() {
		al, _ := a.Alpha.Get(key)
		lo, hi := float32(0), float32(0)
		if scales := a.AbsorbScales[key]; len(scales) > 0 {
			lo, hi = slices.Min(scales), slices.Max(scales)
		}
		rows = append(rows, []string{
			key,
			strings.Join(members, ","),
			strconv.FormatFloat(al, 'g', 3, 64),
			strconv.FormatFloat(float64(lo), 'g', 4, 32) + ".." + strconv.FormatFloat(float64(hi), 'g', 4, 32),
		})
	}
	renderTable(os.Stdout, []string{"ABSORBER", "LAYERS", "ALPHA", "1/SCALE"}, rows)
	if len(a.NoAbsorb) > 0 {
		fmt.Printf("\nnot smoothed: %s\n", strings.Join(a.NoAbsorb, ", "))
	}
}
