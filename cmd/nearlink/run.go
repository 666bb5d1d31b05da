package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/user/nearlink/ble"
	"github.com/user/nearlink/config"
	"github.com/user/nearlink/events"
	"github.com/user/nearlink/logger"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/node"
	"github.com/user/nearlink/peers"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/wifiaware"
	"github.com/user/nearlink/wifidirect"
	"github.com/user/nearlink/wire"
)

const runPrefix = "run"

func runCmd(s *settings) *cli.Command {
	var (
		metricsAddr string
		address     string
		transports  cli.StringSlice
		interval    time.Duration
		size        int
	)
	return &cli.Command{
		Name:  "run",
		Usage: "start the configured transports and send a message on every interval",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics here (overrides metrics.listen)", Destination: &metricsAddr},
			&cli.StringFlag{Name: "address", Usage: "radio address of this device (overrides device.address)", Destination: &address},
			&cli.StringSliceFlag{Name: "transport", Aliases: []string{"t"}, Usage: "transport to start, repeatable (overrides device.transports)", Destination: &transports},
			&cli.DurationFlag{Name: "interval", Usage: "time between two sent messages, 0 to only relay (overrides device.send_interval)", Value: -1, Destination: &interval},
			&cli.IntFlag{Name: "size", Usage: "payload size of sent messages (overrides device.message_size)", Value: -1, Destination: &size},
		},
		Action: func(ctx *cli.Context) error {
			cfg := s.cfg
			if metricsAddr != "" {
				cfg.Metrics.Listen = metricsAddr
			}
			if address != "" {
				cfg.Device.Address = address
			}
			if names := transports.Value(); len(names) > 0 {
				cfg.Device.Transports = names
			}
			if interval >= 0 {
				cfg.Device.SendInterval = interval
			}
			if size >= 0 {
				cfg.Device.MessageSize = size
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runNode(ctx.Context, cfg)
		},
	}
}

// runNode assembles the node with fx and blocks until ctx is done
func runNode(ctx context.Context, cfg config.Config) error {
	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Zap().Named("fx")}
		}),
		fx.Supply(cfg),
		fx.Provide(
			newDevice,
			newNode,
		),
		fx.Invoke(
			registerSessions,
			serveMetrics,
			printEvents,
			startTransports,
			sendMessages,
		),
		fx.StartTimeout(cfg.Shutdown.Timeout),
		fx.StopTimeout(cfg.Shutdown.Timeout),
	)

	startCtx, cancel := context.WithTimeout(ctx, cfg.Shutdown.Timeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info(runPrefix, "shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer stopCancel()
	return app.Stop(stopCtx)
}

func newDevice(cfg config.Config) *message.Device {
	var opts []message.DeviceOption
	if cfg.Device.Latitude != nil && cfg.Device.Longitude != nil {
		opts = append(opts, message.WithLocator(message.StaticLocator{
			Latitude:  *cfg.Device.Latitude,
			Longitude: *cfg.Device.Longitude,
		}))
	}
	return message.NewDevice(cfg.Device.Model, opts...)
}

func newNode(cfg config.Config, device *message.Device) (*node.Node, error) {
	address := cfg.Device.Address
	if address == "" {
		address = uuid.NewString()
	}
	opts := []node.Option{node.WithAddress(address)}
	if cfg.Log.EventLog {
		eventLog, err := wire.NewConnectionEventLogger(address)
		if err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
		opts = append(opts, node.WithEventLog(eventLog))
		logger.Info(runPrefix, "socket events go to %s", eventLog.Path())
	}

	n := node.New(device, opts...)
	logger.Info(runPrefix, "device %s at %s", device.Sender(), n.Address())
	return n, nil
}

// registerSessions builds one session per configured transport
func registerSessions(lc fx.Lifecycle, cfg config.Config, n *node.Node) error {
	kinds, err := cfg.Kinds()
	if err != nil {
		return err
	}
	host := n.Host()
	for _, kind := range kinds {
		var session transport.Session
		switch kind {
		case transport.BLE:
			session = ble.New(host, ble.Config{
				ScanInterval:  cfg.BLE.ScanInterval,
				MTU:           cfg.BLE.MTU,
				RetryInterval: cfg.Retry.Interval,
				RetryBurst:    cfg.Retry.Burst,
			})
		case transport.WiFiDirect:
			driver, err := newMDNSDriver(cfg, n)
			if err != nil {
				return err
			}
			lc.Append(fx.Hook{OnStop: func(context.Context) error { return driver.Close() }})
			session = wifidirect.New(host, driver, wifidirect.Config{
				ListenAddress: cfg.WiFiDirect.ListenAddress,
				RetryInterval: cfg.Retry.Interval,
				RetryBurst:    cfg.Retry.Burst,
			})
		case transport.WiFiAware:
			// No Aware radio is reachable from a desktop host
			session = wifiaware.New(host, wifiaware.Unsupported{}, wifiaware.Config{
				ListenAddress: cfg.WiFiAware.ListenAddress,
				Passphrase:    cfg.WiFiAware.Passphrase,
				RetryInterval: cfg.Retry.Interval,
				RetryBurst:    cfg.Retry.Burst,
			})
		}
		if err := n.Register(session); err != nil {
			return err
		}
	}
	return nil
}

func newMDNSDriver(cfg config.Config, n *node.Node) (*wifidirect.MDNSDriver, error) {
	mcfg := wifidirect.MDNSConfig{
		Address:        n.Address(),
		Name:           cfg.Device.Model,
		BrowseInterval: cfg.WiFiDirect.BrowseInterval,
	}
	if cfg.WiFiDirect.Interface != "" {
		iface, err := net.InterfaceByName(cfg.WiFiDirect.Interface)
		if err != nil {
			return nil, fmt.Errorf("wifi_direct.interface: %w", err)
		}
		mcfg.Interface = iface
	}
	return wifidirect.NewMDNSDriver(mcfg), nil
}

func serveMetrics(lc fx.Lifecycle, cfg config.Config, n *node.Node) {
	if cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, n.Metrics().Handler())
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			logger.Info(runPrefix, "metrics on http://%s%s", ln.Addr(), cfg.Metrics.Path)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error(runPrefix, "metrics server: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// printEvents logs relayed messages with their latency and distance, and
// every connection change
func printEvents(n *node.Node) {
	n.SetMessageListener(func(m message.Message) {
		logger.Info(runPrefix, "%s", describe(m))
	})
	n.SetConnectionListener(func(c events.ConnectionInfo) {
		logger.Info(runPrefix, "%s", c)
	})
}

func describe(m message.Message) string {
	out := fmt.Sprintf("message %d from %s (%d bytes)", m.ID, m.Sender, m.Size())
	if latency, ok := m.Latency(); ok {
		out += fmt.Sprintf(" latency=%v", latency.Round(time.Millisecond))
	}
	if m.HasDistance() {
		out += fmt.Sprintf(" distance=%.1fm", m.Distance)
	}
	return out
}

// startTransports starts every session; on stop it closes the node before
// the drivers and the metrics server registered earlier go away
func startTransports(lc fx.Lifecycle, n *node.Node) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// An unavailable or failing transport does not keep the others down
			if err := n.StartAll(ctx); err != nil {
				logger.Warn(runPrefix, "%v", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return n.Close(ctx)
		},
	})
}

// sendMessages submits a fresh message on every interval, paced by the
// same token bucket the transports use for retries
func sendMessages(lc fx.Lifecycle, cfg config.Config, n *node.Node) {
	if cfg.Device.SendInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	pacer := peers.NewRetrier(cfg.Device.SendInterval, 1)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				for pacer.Wait(ctx) == nil {
					m, err := n.Send(cfg.Device.MessageSize)
					if err != nil {
						logger.Warn(runPrefix, "send: %v", err)
						continue
					}
					logger.Debug(runPrefix, "sent message %d", m.ID)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}
