package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/lowbit/internal/errtypes"
	"github.com/samcharles93/lowbit/internal/quant"
	"github.com/samcharles93/lowbit/internal/space"
	"github.com/samcharles93/lowbit/internal/strategy"
)

// Recipe is a tuning recipe file.
//
//	strategy: basic
//	tolerance: 0.01
//	relative: true
//	timeout: 30s
//	calib_sizes: [100, 10]
//	smooth_quant:
//	  alphas: [0.5, 0.6]
type Recipe struct {
	Strategy   string        `yaml:"strategy"`
	Tolerance  *float64      `yaml:"tolerance"`
	Relative   *bool         `yaml:"relative"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxTrials  int           `yaml:"max_trials"`
	Seed       *int64        `yaml:"seed"`
	CalibSizes []int         `yaml:"calib_sizes"`
	FloatModes []space.Mode  `yaml:"float_modes"`
	EvalLimit  int           `yaml:"eval_limit"`

	SmoothQuant struct {
		Alphas     []float64 `yaml:"alphas"`
		CalibIters int       `yaml:"calib_iters"`
	} `yaml:"smooth_quant"`

	Benchmark struct {
		Warmup int `yaml:"warmup"`
		Iters  int `yaml:"iters"`
	} `yaml:"benchmark"`
}

const defaultTolerance = 0.01

func defaultRecipe() Recipe {
	r := Recipe{Strategy: string(strategy.Basic)}
	r.Benchmark.Warmup = 1
	r.Benchmark.Iters = 5
	return r
}

func loadRecipe(path string) (Recipe, error) {
	r := defaultRecipe()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, errtypes.Config("recipe", "", "malformed recipe %s: %v", path, err)
	}
	return r, nil
}

// tuneConfig validates r and converts it for the tuner.  seed is used when
// the recipe does not pin one.
func (r Recipe) tuneConfig(seed int64) (strategy.Config, error) {
	kind, err := strategy.ParseKind(r.Strategy)
	if err != nil {
		return strategy.Config{}, err
	}
	cfg := strategy.Config{
		Kind:              kind,
		Tolerance:         defaultTolerance,
		Relative:          true,
		Timeout:           r.Timeout,
		MaxTrials:         r.MaxTrials,
		Seed:              seed,
		CalibSizes:        r.CalibSizes,
		SmoothQuantAlphas: r.SmoothQuant.Alphas,
	}
	if r.Tolerance != nil {
		cfg.Tolerance = *r.Tolerance
	}
	if r.Relative != nil {
		cfg.Relative = *r.Relative
	}
	if r.Seed != nil {
		cfg.Seed = *r.Seed
	}
	switch {
	case cfg.Tolerance < 0:
		return cfg, errtypes.Config("recipe", "tolerance", "must not be negative, got %g", cfg.Tolerance)
	case cfg.Timeout < 0:
		return cfg, errtypes.Config("recipe", "timeout", "must not be negative, got %s", cfg.Timeout)
	case cfg.MaxTrials < 0:
		return cfg, errtypes.Config("recipe", "max_trials", "must not be negative, got %d", cfg.MaxTrials)
	}
	return cfg, nil
}

// adaptorOptions lists the quant options the recipe controls.
func (r Recipe) adaptorOptions() ([]quant.Option, error) {
	var opts []quant.Option
	if r.FloatModes != nil {
		for _, m := range r.FloatModes {
			if m != space.BF16 && m != space.FP16 {
				return nil, errtypes.Config("recipe", "float_modes", "unsupported float mode %q", m)
			}
		}
		opts = append(opts, quant.WithFloatModes(r.FloatModes...))
	}
	if r.SmoothQuant.CalibIters != 0 {
		opts = append(opts, quant.WithSmoothCalibIters(r.SmoothQuant.CalibIters))
	}
	return opts, nil
}

func (r Recipe) String() string {
	return fmt.Sprintf("strategy=%s timeout=%s max_trials=%d", r.Strategy, r.Timeout, r.MaxTrials)
}
