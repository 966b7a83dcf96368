package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chaz8081/gohrm/internal/ble"
	"github.com/chaz8081/gohrm/internal/config"
	"github.com/chaz8081/gohrm/internal/events"
	"github.com/chaz8081/gohrm/internal/logger"
	"github.com/chaz8081/gohrm/internal/record"
)

func newMonitorCmd(root *rootOptions) *cobra.Command {
	var recordFlag bool
	cmd := &cobra.Command{
		Use:   "monitor [address]",
		Short: "Connect to a sensor and stream heart rate",
		Long: `Connects to the heart rate sensor at address (or device_address from the
config file), enables measurement notifications and prints every sample.
The link is re-established with exponential backoff when it drops.

With --record (or record.enabled), one "<timestamp>,<bpm>[,<rr>...]" line
per sample is written to stdout and the live display moves to stderr.

Press Ctrl+C to disconnect.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.DeviceAddress = strings.TrimSpace(args[0])
			}
			if cmd.Flags().Changed("record") {
				cfg.Record.Enabled = recordFlag
			}
			return runMonitor(cmd, cfg)
		},
	}
	cmd.Flags().BoolVar(&recordFlag, "record", false, "write record lines to stdout")
	return cmd
}

func runMonitor(cmd *cobra.Command, cfg *config.Config) error {
	if cfg.DeviceAddress == "" {
		return fmt.Errorf("%w: pass one as an argument or set device_address in %s", ble.ErrNoAddress, config.DefaultConfigPath())
	}

	log := logger.New(config.ParseLogLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
	slog.SetDefault(log)

	adapter, err := ble.NewAdapter(cfg.BLE.Backend)
	if err != nil {
		return err
	}
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}

	display := cmd.OutOrStdout()
	if cfg.Record.Enabled {
		display = cmd.ErrOrStderr()
	}
	bus := events.New(log)
	out := attachOutputs(bus, cmd.OutOrStdout(), display, cfg.Record.Enabled, log)
	defer out.shutdown()
	sink, fatal := out.sink, out.fatal

	machine := ble.NewMachine(adapter, bus, cfg.MachineOptions(), log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := machine.Connect(cfg.DeviceAddress); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		_ = machine.Disconnect()
		out.shutdown()
		if sink.Enabled() {
			log.Info("[HRM] recording stopped", "lines", sink.Lines())
		}
		return nil
	case err := <-fatal:
		_ = machine.Disconnect()
		if ble.IsUnsupported(err) {
			return fmt.Errorf("%w; choose a different device", err)
		}
		return err
	}
}

// outputs are the bus subscribers of a monitor session.
type outputs struct {
	bus    *events.Bus
	sink   *record.Sink
	fatal  chan error
	unsubs []func()
}

func attachOutputs(bus *events.Bus, stdout, display io.Writer, recording bool, log *slog.Logger) *outputs {
	o := &outputs{
		bus:   bus,
		sink:  record.NewSink(stdout, recording, log),
		fatal: make(chan error, 1),
	}
	o.unsubs = append(o.unsubs,
		o.sink.Attach(bus),
		bus.Subscribe(newPrinter(display).handle),
		bus.Subscribe(func(ev events.Event) {
			select {
			case o.fatal <- ev.Err:
			default:
			}
		}, events.GaveUp, events.Unsupported),
	)
	return o
}

// shutdown closes the bus first so queued samples still reach the record
// sink, then drops the subscriptions. It is safe to call more than once.
func (o *outputs) shutdown() {
	o.bus.Close()
	for _, unsub := range o.unsubs {
		unsub()
	}
}

// printer renders lifecycle and sample events for a terminal.
type printer struct {
	mu  sync.Mutex
	w   io.Writer
	bpm *color.Color
	rr  *color.Color
	ok  *color.Color
	bad *color.Color
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:   w,
		bpm: color.New(color.FgRed, color.Bold),
		rr:  color.New(color.FgCyan),
		ok:  color.New(color.FgGreen),
		bad: color.New(color.FgYellow),
	}
}

func (p *printer) handle(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case events.Connected:
		p.ok.Fprintf(p.w, "connected to %s\n", ev.Address)
	case events.ServicesReady:
		p.ok.Fprintln(p.w, "heart rate notifications enabled")
	case events.SampleDecoded:
		line := p.bpm.Sprintf("%3d bpm", ev.Sample.HeartRate)
		if len(ev.Sample.RRIntervals) > 0 {
			rr := make([]string, len(ev.Sample.RRIntervals))
			for i, v := range ev.Sample.RRIntervals {
				rr[i] = fmt.Sprintf("%d", v)
			}
			line += "  " + p.rr.Sprintf("rr %s ms", strings.Join(rr, " "))
		}
		fmt.Fprintf(p.w, "%s  %s\n", ev.Sample.Timestamp.Format("15:04:05"), line)
	case events.DecodeFailed:
		p.bad.Fprintf(p.w, "dropped malformed measurement: %v\n", ev.Err)
	case events.Disconnected:
		if ev.Err != nil {
			p.bad.Fprintf(p.w, "disconnected: %v\n", ev.Err)
		}
	case events.Reconnecting:
		p.bad.Fprintf(p.w, "reconnecting in %s (attempt %d)\n", ev.Delay, ev.Attempt)
	case events.GaveUp, events.Unsupported:
		p.bad.Fprintf(p.w, "%v\n", ev.Err)
	}
}
