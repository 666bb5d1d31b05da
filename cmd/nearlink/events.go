package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/util"
	"github.com/user/nearlink/wire"
)

func eventsCmd(s *settings) *cli.Command {
	var (
		device string
		kind   string
	)
	return &cli.Command{
		Name:  "events",
		Usage: "print the socket event log a device wrote with log.event_log enabled",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "device", Usage: "radio address of the device (defaults to device.address)", Destination: &device},
			&cli.StringFlag{Name: "event", Usage: "only show events of this type, e.g. socket_error", Destination: &kind},
		},
		Action: func(ctx *cli.Context) error {
			if device == "" {
				device = s.cfg.Device.Address
			}
			if device == "" {
				return fmt.Errorf("--device is required when device.address is not set")
			}

			path := filepath.Join(util.GetDataDir(), device, wire.ConnectionEventsFile)
			events, err := wire.ReadConnectionEvents(path)
			if err != nil {
				return err
			}

			out := ctx.App.Writer
			fmt.Fprintf(out, "=== %d socket events of %s ===\n", len(events), logger.ShortID(device))
			for _, ev := range events {
				if kind != "" && ev.Event != kind {
					continue
				}
				line := fmt.Sprintf("%s  %-22s %-8s", time.Unix(0, ev.Timestamp).Format("15:04:05.000"), ev.Event, ev.SocketType)
				if ev.RemoteID != "" {
					line += " remote=" + logger.ShortID(ev.RemoteID)
				}
				if ev.Context != "" {
					line += " (" + ev.Context + ")"
				}
				if ev.Error != "" {
					line += " ❌ " + ev.Error
				}
				for k, v := range ev.Details {
					line += fmt.Sprintf(" %s=%s", k, v)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}
