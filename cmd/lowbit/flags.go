package main

import "github.com/urfave/cli/v3"

var (
	modelPath   string
	dataPath    string
	batchSize   int64
	sidecarPath string
	seed        int64
	logLevel    string
	logFormat   string
	debug       bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the model description (.yaml)",
			Required:    true,
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "data",
			Aliases:     []string{"d"},
			Usage:       "calibration and evaluation samples (.safetensors with inputs[, labels])",
			Destination: &dataPath,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Usage:       "rows per calibration batch",
			Value:       32,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for synthetic samples and random search",
			Value:       1,
			Destination: &seed,
		},
	}
}

func sidecarFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "sidecar",
			Usage:       "per-op config file; defaults to <model>.qconf.json, or $" + envLowbitSidecarDir + "/<model>.qconf.json",
			Destination: &sidecarPath,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
