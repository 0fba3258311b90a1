package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crema-labs/brewd/internal/config"
	"github.com/crema-labs/brewd/internal/control"
	"github.com/crema-labs/brewd/internal/display"
	"github.com/crema-labs/brewd/internal/gallery"
	"github.com/crema-labs/brewd/internal/gpio"
	"github.com/crema-labs/brewd/internal/scale"
	"github.com/crema-labs/brewd/internal/scanner"
	"github.com/crema-labs/brewd/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/brewd/config.yaml)")
	sim := flag.Bool("sim", false, "use in-memory pins instead of GPIO hardware")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	if err := setupLogging(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	printBanner(cfg, *sim)

	pins, err := openPins(cfg, *sim)
	if err != nil {
		slog.Error("[gpio] opening pins failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("[store] opening database failed", "path", cfg.Store.Path, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memories := st.LoadMemories(ctx)

	ctrlOpts := control.DefaultOptions()
	ctrlOpts.IdleTimeout = cfg.Control.IdleTimeout()
	ctrlOpts.SleepPause = cfg.Control.SleepPause()
	ctrlOpts.FlowCapacity = int(cfg.Control.FlowWindowSeconds * cfg.RefreshRate)
	ctrl := control.New(pins.relay, pins.paddle, pins.connectSwitch, memories, ctrlOpts)
	ctrl.SetPersistFunc(func(ms []control.TargetMemory) {
		if err := st.SaveMemories(context.Background(), ms); err != nil {
			slog.Error("[store] saving memories failed", "error", err)
		}
	})

	adapter := scale.NewBluezAdapter()
	if err := adapter.Enable(); err != nil {
		slog.Error("[scale] enabling bluetooth adapter failed", "error", err)
		os.Exit(1)
	}
	clientOpts := scale.DefaultClientOptions()
	clientOpts.ScanAttempts = cfg.Scale.ScanAttempts
	clientOpts.ScanChunk = cfg.Scale.ScanChunk()
	clientOpts.ConnectTimeout = cfg.Scale.ConnectTimeout()
	client := scale.NewClient(adapter, clientOpts)
	client.OnEstablished = func() {
		ctrl.SetScaleConnected(true)
		ctrl.OnLinkEstablished()
		if err := st.SaveAddress(context.Background(), client.Address()); err != nil {
			slog.Warn("[store] saving scale address failed", "error", err)
		}
	}
	ctrl.SetTareHandler(client.Tare)

	mailbox := &scanner.Mailbox{}
	if addr, ok := st.LoadAddress(ctx); ok {
		slog.Info("[scanner] seeding last known scale", "address", addr)
		mailbox.Publish(addr)
	}
	// A fresh scan after waking avoids chasing a scale that left.
	ctrl.SetWakeHook(mailbox.Clear)

	scan := scanner.New(adapter, mailbox, scanner.DefaultOptions(),
		func() bool {
			return ctrl.ShouldConnect() && !ctrl.Sleeping() && !client.Connected()
		},
		func(addr string) {
			slog.Info("[scanner] scale discovered", "address", addr)
			ctrl.RegisterActivity()
		})

	sink := display.NewChannelSink(8)
	go consumeFrames(sink, cfg.Gallery.Dir)

	var gal *gallery.Server
	if cfg.Gallery.Enabled {
		if err := os.MkdirAll(cfg.Gallery.Dir, 0o755); err != nil {
			slog.Error("[gallery] creating image dir failed", "dir", cfg.Gallery.Dir, "error", err)
			os.Exit(1)
		}
		gal = gallery.New(cfg.Gallery.Addr, cfg.Gallery.Dir)
		go func() {
			if err := gal.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("[gallery] server stopped", "error", err)
			}
		}()
	}

	watcher := gpio.NewWatcher(10 * time.Millisecond)
	wireButtons(watcher, pins, ctrl)

	go ctrl.Run(ctx)
	go scan.Run(ctx)
	go watcher.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("[brewd] ready", "refresh_hz", cfg.RefreshRate)

	loop := &brewLoop{
		cfg:     cfg,
		ctrl:    ctrl,
		client:  client,
		mailbox: mailbox,
		sink:    sink,
	}

	ticker := time.NewTicker(cfg.LoopInterval())
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			loop.tick(now)
		case sig := <-sigCh:
			slog.Info("[brewd] shutting down", "signal", sig.String())
			cancel()
			client.Disconnect()
			if gal != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := gal.Shutdown(shutdownCtx); err != nil {
					slog.Warn("[gallery] shutdown failed", "error", err)
				}
				shutdownCancel()
			}
			sink.Close()
			return
		}
	}
}

// panel groups the opened pins by function.
type panel struct {
	relay         gpio.Output
	paddle        gpio.Input
	connectSwitch gpio.Input
	tare          gpio.Input
	targetInc     gpio.Input
	targetDec     gpio.Input
	memory        gpio.Input
}

func openPins(cfg *config.Config, sim bool) (*panel, error) {
	if sim {
		// The simulated connect switch starts closed so the link comes
		// up without hardware.
		connect := &gpio.FakePin{}
		connect.Set(true)
		return &panel{
			relay:         &gpio.FakePin{},
			paddle:        &gpio.FakePin{},
			connectSwitch: connect,
			tare:          &gpio.FakePin{},
			targetInc:     &gpio.FakePin{},
			targetDec:     &gpio.FakePin{},
			memory:        &gpio.FakePin{},
		}, nil
	}

	if err := gpio.Init(); err != nil {
		return nil, err
	}

	var p panel
	var err error
	if p.relay, err = gpio.OpenOutput(cfg.Pins.Relay); err != nil {
		return nil, err
	}
	for _, in := range []struct {
		pin  int
		dest *gpio.Input
	}{
		{cfg.Pins.Paddle, &p.paddle},
		{cfg.Pins.ConnectSwitch, &p.connectSwitch},
		{cfg.Pins.Tare, &p.tare},
		{cfg.Pins.TargetInc, &p.targetInc},
		{cfg.Pins.TargetDec, &p.targetDec},
		{cfg.Pins.Memory, &p.memory},
	} {
		if *in.dest, err = gpio.OpenInput(in.pin); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// wireButtons translates debounced panel edges into controller events.
func wireButtons(w *gpio.Watcher, pins *panel, ctrl *control.Controller) {
	send := func(ev control.InputEvent) {
		select {
		case ctrl.Events() <- ev:
		default:
			slog.Warn("[input] event dropped", "kind", ev.Kind)
		}
	}

	w.Add(pins.tare, gpio.ButtonConfig{
		OnPress: func() { send(control.InputEvent{Kind: control.EventTare}) },
	})
	w.Add(pins.memory, gpio.ButtonConfig{
		OnPress: func() { send(control.InputEvent{Kind: control.EventRotateMemory}) },
	})
	w.Add(pins.targetInc, gpio.ButtonConfig{
		HoldTime:   500 * time.Millisecond,
		HoldRepeat: true,
		OnRelease: func(bool) {
			send(control.InputEvent{Kind: control.EventTargetDelta, Delta: 0.1})
		},
		OnHold: func() {
			send(control.InputEvent{Kind: control.EventTargetDelta, Delta: 1, Held: true})
		},
	})
	w.Add(pins.targetDec, gpio.ButtonConfig{
		HoldTime:   500 * time.Millisecond,
		HoldRepeat: true,
		OnRelease: func(bool) {
			send(control.InputEvent{Kind: control.EventTargetDelta, Delta: -0.1})
		},
		OnHold: func() {
			send(control.InputEvent{Kind: control.EventTargetDelta, Delta: -1, Held: true})
		},
	})
	// The paddle is a lever, not a button: opening it starts the shot
	// and the watchdog handles the close.
	w.Add(pins.paddle, gpio.ButtonConfig{
		OnPress: func() { send(control.InputEvent{Kind: control.EventPaddlePress}) },
	})
}

// consumeFrames drains display frames, writing a shot chart image when
// a finished shot asks for one.
func consumeFrames(sink *display.ChannelSink, imageDir string) {
	for frame := range sink.Frames() {
		if !frame.SaveImage || imageDir == "" {
			continue
		}
		path, err := display.WriteShotImage(imageDir, frame)
		if err != nil {
			slog.Error("[display] saving shot image failed", "error", err)
			continue
		}
		slog.Info("[display] shot image saved", "path", path)
	}
}

func setupLogging(cfg *config.Config) error {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		out = f
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// First run: drop an editable default config in place. Failure to
	// write it is not fatal, the built-in defaults still apply.
	if defaultPath != "" {
		if err := config.WriteDefault(defaultPath); err != nil {
			fmt.Fprintf(os.Stderr, "writing default config: %v\n", err)
		}
	}

	cfg := config.Default()
	cfg.ApplyEnv()
	return cfg, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, sim bool) {
	fmt.Println("=== brewd ===")
	fmt.Printf("  Refresh:  %.1f Hz\n", cfg.RefreshRate)
	fmt.Printf("  Store:    %s\n", cfg.Store.Path)
	if cfg.Gallery.Enabled {
		fmt.Printf("  Gallery:  %s (%s)\n", cfg.Gallery.Addr, cfg.Gallery.Dir)
	} else {
		fmt.Println("  Gallery:  disabled")
	}
	fmt.Printf("  Relay:    GPIO%d\n", cfg.Pins.Relay)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	if sim {
		fmt.Println("  Mode:     simulated pins")
	}
	fmt.Println("=============")
}
