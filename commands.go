package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"go.uber.org/zap"

	"quant-trader/internal/app"
	"quant-trader/internal/strategy"
	"quant-trader/pkg/config"
	"quant-trader/pkg/db"
	"quant-trader/pkg/logger"
)

type runCmd struct {
	mode     string
	runFile  string
	strategy string
}

func (c *runCmd) Name() string { return c.mode }
func (c *runCmd) Synopsis() string {
	if c.mode == "backtest" {
		return "replay historical bars through a strategy"
	}
	return "trade a strategy on live quote feeds"
}
func (c *runCmd) Usage() string {
	return c.mode + ` -run <run.yaml> [-strategy <name>]

  Runs the strategy against the venues of the run file. Environment
  variables (or a .env file) configure storage, logging and the status API.
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.runFile, "run", "run.yaml", "Run file describing venues and strategies")
	f.StringVar(&c.strategy, "strategy", "", "Strategy name in the run file (defaults to the first)")
}

func (c *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	env, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	log, err := newLogger(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	defer func() { _ = log.Sync() }()

	run, err := config.LoadRun(c.runFile)
	if err != nil {
		log.Error("main: run file invalid", zap.String("path", c.runFile), zap.Error(err))
		return subcommands.ExitUsageError
	}
	if err := run.Filter(env.Venues); err != nil {
		log.Error("main: venue filter invalid", zap.Strings("venues", env.Venues), zap.Error(err))
		return subcommands.ExitUsageError
	}
	strat, err := pickStrategy(c.runFile, c.strategy)
	if err != nil {
		log.Error("main: strategy config invalid", zap.Error(err))
		return subcommands.ExitUsageError
	}

	log.Info("main: starting",
		zap.String("mode", c.mode),
		zap.String("run", run.Name),
		zap.String("strategy", strat.Name),
		zap.String("db", env.DBPath))
	a, err := app.New(ctx, env, run, strat, app.Mode(c.mode), log)
	if err != nil {
		log.Error("main: setup failed", zap.Error(err))
		return subcommands.ExitFailure
	}
	runErr := a.Run(ctx)
	if err := a.Close(); err != nil {
		log.Warn("main: shutdown incomplete", zap.Error(err))
	}
	if runErr != nil {
		log.Error("main: run failed", zap.Error(runErr))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func pickStrategy(runFile, name string) (strategy.Config, error) {
	configs, err := strategy.LoadConfig(runFile)
	if err != nil {
		return strategy.Config{}, err
	}
	if len(configs) == 0 {
		return strategy.Config{}, fmt.Errorf("no strategies in %s", runFile)
	}
	if name == "" {
		return configs[0], nil
	}
	for _, c := range configs {
		if c.Name == name {
			return c, nil
		}
	}
	return strategy.Config{}, fmt.Errorf("strategy %q not in %s", name, runFile)
}

func newLogger(env *config.Config) (*zap.Logger, error) {
	return logger.New(logger.Config{
		Level:      env.LogLevel,
		File:       env.LogFile,
		MaxSizeMB:  env.LogMaxSizeMB,
		MaxBackups: env.LogMaxBackups,
		MaxAgeDays: env.LogMaxAgeDays,
		Compress:   env.LogCompress,
		Console:    env.LogConsole,
	})
}

type importCmd struct {
	runFile string
	gateway string
	csv     string
}

func (*importCmd) Name() string     { return "import" }
func (*importCmd) Synopsis() string { return "load a bar csv into the database" }
func (*importCmd) Usage() string {
	return `import -run <run.yaml> -gateway <name> -csv <bars.csv>

  Stores the bars of the gateway's securities in the bars table of DB_PATH.
  Columns: code,datetime,open,high,low,close,volume.
`
}

func (c *importCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.runFile, "run", "run.yaml", "Run file listing the gateway securities")
	f.StringVar(&c.gateway, "gateway", "", "Gateway whose securities are imported")
	f.StringVar(&c.csv, "csv", "", "Bar file to import")
}

func (c *importCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.csv == "" || c.gateway == "" {
		fmt.Fprint(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	env, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	run, err := config.LoadRun(c.runFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	loc, err := run.Location()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	secs, ok := run.Securities()[c.gateway]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: gateway %q not in %s\n", c.gateway, c.runFile)
		return subcommands.ExitUsageError
	}

	database, err := db.New(env.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer database.Close()
	n, err := app.ImportCSV(ctx, database, c.csv, secs, loc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("imported %d bars into %s\n", n, env.DBPath)
	return subcommands.ExitSuccess
}
