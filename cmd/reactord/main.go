package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/talostrading/reactor"
)

var (
	flagConfig = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path of a yaml, toml or json config file; REACTOR_* variables override it.",
		EnvVars: []string{"REACTOR_CONFIG"},
	}
	flagWorkers = &cli.IntFlag{
		Name:    "workers",
		Aliases: []string{"w"},
		Usage:   "number of dispatch goroutines, overrides the config file when > 0.",
	}
	flagDebug = &cli.BoolFlag{
		Name:  "debug",
		Usage: "log at debug level in development format.",
	}
)

func main() {
	app := &cli.App{
		Name:    "reactord",
		Usage:   "event reactor daemon and interactive shell",
		Version: "0.1.0",
		Flags: []cli.Flag{
			flagConfig,
			flagWorkers,
			flagDebug,
		},
		Commands: []*cli.Command{
			runCommand(),
			shellCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	if ctx.Bool(flagDebug.Name) {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func loadConfig(ctx *cli.Context) (reactor.Config, error) {
	cfg, err := reactor.LoadConfig(ctx.String(flagConfig.Name))
	if err != nil {
		return cfg, err
	}
	if n := ctx.Int(flagWorkers.Name); n > 0 {
		cfg.Workers = n
	}
	return cfg, nil
}
