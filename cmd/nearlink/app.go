package main

import (
	"errors"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/user/nearlink/config"
	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/util"
)

const envPrefix = "NEARLINK_"

// settings is what the global flags resolve to before a command runs
type settings struct {
	configPath string
	logLevel   string
	logFormat  string
	cfg        config.Config
}

func newApp() *cli.App {
	s := &settings{}
	return &cli.App{
		Name:  "nearlink",
		Usage: "relay short messages between nearby devices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "YAML config file; defaults apply when it does not exist",
				EnvVars:     []string{envPrefix + "CONFIG"},
				Destination: &s.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "trace, debug, info, warn or error (overrides log.level)",
				EnvVars:     []string{envPrefix + "LOG_LEVEL"},
				Destination: &s.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "console or json (overrides log.format)",
				EnvVars:     []string{envPrefix + "LOG_FORMAT"},
				Destination: &s.logFormat,
			},
		},
		Before: s.load,
		Commands: []*cli.Command{
			runCmd(s),
			demoCmd(s),
			eventsCmd(s),
			configCmd(s),
		},
	}
}

// load reads the config file, applies the flag overrides and configures
// logging
func (s *settings) load(ctx *cli.Context) error {
	s.cfg = config.Default()
	if s.configPath != "" {
		cfg, err := config.Load(s.configPath)
		switch {
		case err == nil:
			s.cfg = cfg
		case errors.Is(err, os.ErrNotExist):
		default:
			return err
		}
	}
	if s.logLevel != "" {
		s.cfg.Log.Level = s.logLevel
	}
	if s.logFormat != "" {
		s.cfg.Log.Format = s.logFormat
	}
	if s.cfg.Device.DataDir != "" && os.Getenv(util.DataDirEnv) == "" {
		if err := os.Setenv(util.DataDirEnv, s.cfg.Device.DataDir); err != nil {
			return err
		}
	}

	logger.Configure(logger.Options{Format: s.cfg.Log.Format, Output: ctx.App.ErrWriter})
	logger.SetLevel(logger.ParseLevel(s.cfg.Log.Level))
	return nil
}
