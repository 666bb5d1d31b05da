package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/user/nearlink/ble"
	"github.com/user/nearlink/message"
	"github.com/user/nearlink/node"
	"github.com/user/nearlink/radio"
	"github.com/user/nearlink/transport"
	"github.com/user/nearlink/util"
	"github.com/user/nearlink/wifiaware"
	"github.com/user/nearlink/wifidirect"
)

var demoModels = []string{"Pixel 8 Pro", "Galaxy S23", "Moto G", "Nokia X30", "OnePlus 12", "Xperia 5"}

// demoTally counts per device which messages arrived
type demoTally struct {
	mu       sync.Mutex
	received map[string]map[message.Key]bool
}

func (t *demoTally) add(device string, m message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.received[device] == nil {
		t.received[device] = make(map[message.Key]bool)
	}
	t.received[device][m.Key()] = true
}

func demoCmd(s *settings) *cli.Command {
	var (
		devices  int
		duration time.Duration
		interval time.Duration
		size     int
		delay    time.Duration
		noBLE    bool
	)
	return &cli.Command{
		Name:  "demo",
		Usage: "simulate a group of devices relaying messages in this process",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "devices", Aliases: []string{"n"}, Value: 3, Destination: &devices},
			&cli.DurationFlag{Name: "duration", Value: 10 * time.Second, Destination: &duration},
			&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "time between two messages of one device", Destination: &interval},
			&cli.IntFlag{Name: "size", Value: 32, Destination: &size},
			&cli.DurationFlag{Name: "radio-delay", Value: 5 * time.Millisecond, Usage: "latency of every simulated radio completion", Destination: &delay},
			&cli.BoolFlag{Name: "no-ble", Usage: "leave the socket based BLE transport out", Destination: &noBLE},
		},
		Action: func(ctx *cli.Context) error {
			if devices < 2 || devices > len(demoModels) {
				return fmt.Errorf("--devices must be between 2 and %d", len(demoModels))
			}
			return runDemo(ctx.Context, s, demoOptions{
				devices: devices, duration: duration, interval: interval,
				size: size, delay: delay, ble: !noBLE,
			})
		},
	}
}

type demoOptions struct {
	devices  int
	duration time.Duration
	interval time.Duration
	size     int
	delay    time.Duration
	ble      bool
}

func runDemo(ctx context.Context, s *settings, opts demoOptions) (err error) {
	fmt.Println("=== nearlink relay demo ===")
	fmt.Println()

	if opts.ble {
		// BLE advertisements and sockets live in a private data dir
		dir, err := os.MkdirTemp("", "nearlink-demo")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		if err := os.Setenv(util.DataDirEnv, dir); err != nil {
			return err
		}
	}

	air := radio.NewAir(radio.WithDelay(opts.delay))
	defer air.Close()

	tally := &demoTally{received: make(map[string]map[message.Key]bool)}
	nodes := make([]*node.Node, 0, opts.devices)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.Timeout)
		defer cancel()
		for _, n := range nodes {
			err = multierr.Append(err, n.Close(stopCtx))
		}
	}()

	fmt.Println("Devices:")
	for i := 0; i < opts.devices; i++ {
		model := demoModels[i]
		address := fmt.Sprintf("02:00:00:00:00:%02x", i+1)
		n, err := newDemoNode(air, model, address, s, opts)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
		sender := n.Device().Sender()
		n.SetMessageListener(func(m message.Message) {
			if m.Sender != sender {
				tally.add(sender, m)
				fmt.Printf("  📨 %-22s got %d from %s%s\n", sender, m.ID, m.Sender, demoLatency(m))
			}
		})
		fmt.Printf("  - %s (%s)\n", sender, address)
	}
	fmt.Println()

	fmt.Println("Starting transports...")
	for _, n := range nodes {
		if err := n.StartAll(ctx); err != nil {
			return err
		}
	}
	fmt.Println("✓ All transports started")
	fmt.Println()

	fmt.Printf("Sending a %d byte message from every device each %v for %v\n", opts.size, opts.interval, opts.duration)
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	deadline := time.After(opts.duration)
	sent := make(map[*node.Node]int)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
			for _, n := range nodes {
				if _, err := n.Send(opts.size); err == nil {
					sent[n]++
				}
			}
		}
	}

	// Let the last messages drain
	time.Sleep(opts.interval / 2)
	printDemoSummary(nodes, tally, sent)
	return nil
}

func newDemoNode(air *radio.Air, model, address string, s *settings, opts demoOptions) (*node.Node, error) {
	n := node.New(message.NewDevice(model), node.WithAddress(address))
	host := n.Host()
	retry := s.cfg.Retry.Interval / 4

	sessions := []transport.Session{
		wifidirect.New(host, air.P2P(address, model), wifidirect.Config{
			ListenAddress: radio.Host + ":0",
			RetryInterval: retry,
			RetryBurst:    s.cfg.Retry.Burst,
		}),
		wifiaware.New(host, air.Aware(address), wifiaware.Config{
			ListenAddress: radio.Host + ":0",
			Passphrase:    s.cfg.WiFiAware.Passphrase,
			RetryInterval: retry,
			RetryBurst:    s.cfg.Retry.Burst,
		}),
	}
	if opts.ble {
		sessions = append(sessions, ble.New(host, ble.Config{
			ScanInterval:  s.cfg.BLE.ScanInterval,
			MTU:           s.cfg.BLE.MTU,
			RetryInterval: retry,
			RetryBurst:    s.cfg.Retry.Burst,
		}))
	}
	for _, session := range sessions {
		if err := n.Register(session); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func demoLatency(m message.Message) string {
	if latency, ok := m.Latency(); ok {
		return fmt.Sprintf(" after %v", latency.Round(time.Millisecond))
	}
	return ""
}

func printDemoSummary(nodes []*node.Node, tally *demoTally, sent map[*node.Node]int) {
	total := 0
	for _, n := range sent {
		total += n
	}
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  messages sent: %d\n", total)

	tally.mu.Lock()
	defer tally.mu.Unlock()
	complete := true
	for _, n := range nodes {
		sender := n.Device().Sender()
		expected := total - sent[n]
		got := len(tally.received[sender])
		mark := "✅"
		if got < expected {
			mark = "⚠️ "
			complete = false
		}
		var linked []string
		for _, kind := range transport.Kinds() {
			if session, ok := n.Session(kind); ok {
				linked = append(linked, fmt.Sprintf("%s=%d", kind, len(session.Peers())))
			}
		}
		sort.Strings(linked)
		fmt.Printf("  %s %-22s received %d/%d  links %v\n", mark, sender, got, expected, linked)
	}
	fmt.Println()
	if complete {
		fmt.Println("✅ Every message reached every other device")
	} else {
		fmt.Println("⚠️  Some messages were still in flight or links were not up yet")
	}
}
