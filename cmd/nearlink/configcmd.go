package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/user/nearlink/config"
)

const defaultConfigPath = "nearlink.yaml"

func configCmd(s *settings) *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "create or inspect the YAML config",
		Subcommands: []*cli.Command{
			configInitCmd(s),
			configShowCmd(s),
		},
	}
}

func configInitCmd(s *settings) *cli.Command {
	var force bool
	return &cli.Command{
		Name:      "init",
		Usage:     "write a config file holding every default",
		ArgsUsage: "[path]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file", Destination: &force},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				path = s.configPath
			}
			if path == "" {
				path = defaultConfigPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite it", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "✓ wrote %s\n", path)
			return nil
		},
	}
}

func configShowCmd(s *settings) *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "print the effective config after defaults and flags",
		Action: func(ctx *cli.Context) error {
			if err := config.Validate(s.cfg); err != nil {
				fmt.Fprintf(ctx.App.ErrWriter, "warning: %v\n", err)
			}
			data, err := yaml.Marshal(s.cfg)
			if err != nil {
				return err
			}
			_, err = ctx.App.Writer.Write(data)
			return err
		},
	}
}
