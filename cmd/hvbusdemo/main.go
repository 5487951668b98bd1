// Command hvbusdemo runs the full bus stack against the in-process loopback
// host: it offers a synthetic keyboard channel and an echo channel, puts the
// terminal in raw mode, and turns keypresses into injected keystroke events
// that flow back through the rings.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	hvbus "github.com/paravirt/hvbus"
	"github.com/paravirt/hvbus/internal/devices/keyboard"
)

var echoInstance = hvbus.MustParseGUID("7d0f9847-3d35-4b62-a42f-0ac16a5a3605")
var echoClass = hvbus.MustParseGUID("4b6a2c37-0d11-4a2e-9c64-2f6a1f1d8b01")
var keyboardInstance = hvbus.MustParseGUID("c8f2a7b1-5e09-4d31-8a77-6d4f2b9e0c42")

type demoConfig struct {
	LogLevel  string `yaml:"log_level"`
	Echo      bool   `yaml:"echo"`
	TxRingKiB int    `yaml:"tx_ring_kib"`
	RxRingKiB int    `yaml:"rx_ring_kib"`
}

func defaultConfig() demoConfig {
	return demoConfig{
		LogLevel:  "info",
		Echo:      true,
		TxRingKiB: 16,
		RxRingKiB: 16,
	}
}

func loadConfig(path string) (demoConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c demoConfig) level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// fixCrlf rewrites bare newlines so log output stays readable while the
// terminal is in raw mode.
type fixCrlf struct {
	w io.Writer
}

func (f *fixCrlf) Write(p []byte) (int, error) {
	out := bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
	if _, err := f.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}

func run() error {
	configPath := flag.String("config", "", "Path to a YAML config file")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	level := cfg.level()
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		&fixCrlf{w: os.Stderr},
		&slog.HandlerOptions{Level: level},
	)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	host := hvbus.NewLoopbackHost()
	bus := hvbus.NewBus(host, hvbus.Config{})
	host.Attach(bus)
	host.Start(ctx)
	defer host.Stop()
	defer bus.Close(context.Background())

	// The host side of both demo channels: accept the keyboard handshake
	// and bounce echo payloads straight back.
	kbdID, err := host.Offer(keyboard.ClassID, keyboardInstance)
	if err != nil {
		return fmt.Errorf("offer keyboard channel: %w", err)
	}
	var echoID uint32
	if cfg.Echo {
		echoID, err = host.Offer(echoClass, echoInstance)
		if err != nil {
			return fmt.Errorf("offer echo channel: %w", err)
		}
	}
	host.OnPacket(func(channelID uint32, desc hvbus.PacketDescriptor, payload []byte) {
		switch channelID {
		case kbdID:
			if _, ok := keyboard.DecodeProtocolRequest(payload); ok {
				if err := host.InjectPacket(kbdID, keyboard.EncodeProtocolResponse(true), 0); err != nil {
					slog.Error("demo: protocol response", "err", err)
				}
				return
			}
			if leds, ok := keyboard.DecodeSetLEDs(payload); ok {
				slog.Info("demo: host saw LED update", "indicators", leds)
			}
		case echoID:
			if err := host.InjectPacket(echoID, payload, desc.TransactionID); err != nil {
				slog.Error("demo: echo reply", "err", err)
			}
		}
	})

	kbdCh, ok := bus.ChannelByInstance(keyboardInstance)
	if !ok {
		return fmt.Errorf("keyboard offer not delivered")
	}

	stdout := &fixCrlf{w: os.Stdout}
	kbd := keyboard.New(kbdCh, func(k keyboard.Keystroke) {
		if k.Break() {
			return
		}
		if name := keyboard.KeyName(k); name != "" {
			fmt.Fprintf(stdout, "[%s]", name)
			return
		}
		if r, ok := keyboard.Rune(k); ok {
			fmt.Fprintf(stdout, "%c", r)
		}
	})
	if err := kbd.Start(ctx); err != nil {
		return err
	}
	defer kbd.Close(context.Background())
	if err := kbd.SetLEDs(keyboard.LEDNumLock); err != nil {
		return err
	}

	var echoCh *hvbus.Channel
	if cfg.Echo {
		echoCh, ok = bus.ChannelByInstance(echoInstance)
		if !ok {
			return fmt.Errorf("echo offer not delivered")
		}
		err := echoCh.Open(ctx, cfg.TxRingKiB*1024, cfg.RxRingKiB*1024, func() {
			var buf [256]byte
			for {
				_, ok, err := echoCh.NextInboundFrame()
				if err != nil || !ok {
					return
				}
				var n int
				if _, n, err = echoCh.ReadInboundFrame(buf[:]); err != nil {
					return
				}
				// Frames are padded to 8 bytes; the demo payload is text.
				fmt.Fprintf(stdout, " echo:%q\n", bytes.TrimRight(buf[:n], "\x00"))
			}
		})
		if err != nil {
			return fmt.Errorf("open echo channel: %w", err)
		}
		defer echoCh.Close(context.Background())
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	fmt.Fprintf(stdout, "type to inject keystrokes, Ctrl-C to exit\n")

	in := make([]byte, 1)
	var txID uint64
	for {
		if _, err := os.Stdin.Read(in); err != nil {
			return err
		}
		if in[0] == 0x03 || ctx.Err() != nil { // Ctrl-C
			fmt.Fprintf(stdout, "\nshutting down\n")
			return nil
		}
		code, shift, ok := keyboard.MakeCode(rune(in[0]))
		if !ok {
			continue
		}
		press := func(c uint16) {
			if err := host.InjectPacket(kbdID, keyboard.EncodeEvent(keyboard.Keystroke{MakeCode: c}), 0); err != nil {
				slog.Error("demo: inject make", "err", err)
			}
			ev := keyboard.Keystroke{MakeCode: c, Flags: keyboard.KeyFlagBreak}
			if err := host.InjectPacket(kbdID, keyboard.EncodeEvent(ev), 0); err != nil {
				slog.Error("demo: inject break", "err", err)
			}
		}
		if shift {
			press(keyboard.ScanLeftShift)
		}
		press(code)

		if echoCh != nil {
			txID++
			if err := echoCh.WritePacket(in[:1], txID, false); err != nil {
				slog.Error("demo: echo write", "err", err)
			}
		}
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("hvbusdemo failed", "err", err)
		os.Exit(1)
	}
}
