package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/phsym/console-slog"
	"golang.org/x/sync/errgroup"

	"camlink/config"
	"camlink/host/capture"
	"camlink/host/link"
	"camlink/protocol"
	"camlink/recording"
)

var (
	configPath  = flag.String("config", "camlink.yaml", "YAML configuration file")
	device      = flag.String("device", "", "Serial device path (overrides config)")
	tcpAddr     = flag.String("tcp", "", "Camera host:port, selects the TCP link (overrides config)")
	recordDir   = flag.String("record-dir", "", "Recording directory (overrides config)")
	motionOn    = flag.Bool("motion", false, "Enable motion-triggered recording")
	logLevel    = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	statusEvery = flag.Duration("status", 5*time.Second, "Status line interval, 0 disables")
	noInput     = flag.Bool("no-input", false, "Do not read commands from stdin")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("camlink-host starting", "protocol", protocol.Version, "link", cfg.Link.Kind)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("camlink-host stopped", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *device != "" {
		cfg.Link.Kind = config.LinkSerial
		cfg.Link.Serial.Device = *device
	}
	if *tcpAddr != "" {
		host, port, err := net.SplitHostPort(*tcpAddr)
		if err != nil {
			return nil, fmt.Errorf("-tcp: %w", err)
		}
		cfg.Link.Kind = config.LinkTCP
		cfg.Link.TCP.Host = host
		if cfg.Link.TCP.Port, err = strconv.Atoi(port); err != nil {
			return nil, fmt.Errorf("-tcp port: %w", err)
		}
	}
	if *recordDir != "" {
		cfg.Recording.Dir = *recordDir
	}
	if *motionOn {
		cfg.Motion.Enabled = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Log, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "text":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = console.NewHandler(w, &console.HandlerOptions{Level: level, TimeFormat: "15:04:05.000"})
	}
	return slog.New(h)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	enc, err := recording.ParseEncoding(cfg.Recording.Encoding)
	if err != nil {
		return err
	}

	ctrl := recording.NewController(recording.Options{
		Dir:      cfg.Recording.Dir,
		Encoding: enc,
		Pipe: recording.PipeOptions{
			Encoder:    cfg.Recording.Encoder,
			OutputArgs: cfg.Recording.EncoderArgs,
		},
		MaxBytes: cfg.Recording.MaxBytes,
		FPS:      cfg.Recording.AssumedFPS,
		Motion:   cfg.Motion,
		OnSessionEnd: func(s recording.Summary) {
			if s.Err != nil {
				fmt.Fprintf(os.Stderr, "Recording %s failed: %v\n", s.Path, s.Err)
				return
			}
			fmt.Printf("Recording saved: %s (%d frames, %s, %s)\n", s.Path, s.Frames, humanBytes(s.Bytes), s.Reason)
		},
		Logger: logger,
	})

	queue := capture.NewQueue()
	consumer := capture.NewConsumer(queue, ctrl, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	state := &capture.ReconnectState{}

	g.Go(func() error {
		return consumer.Run(ctx, cfg.Capture.TickInterval)
	})

	g.Go(func() error {
		defer cancel()
		connect := connector(cfg, queue, logger, state)
		if !cfg.Capture.Reconnect.Enabled {
			return connect(ctx)
		}
		return capture.RunWithReconnect(ctx, connect, capture.ReconnectConfig{
			MaxRetries:    cfg.Capture.Reconnect.MaxRetries,
			RetryDelay:    cfg.Capture.Reconnect.RetryDelay,
			MaxRetryDelay: cfg.Capture.Reconnect.MaxDelay,
		}, state)
	})

	if *statusEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(*statusEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					printStatus(consumer.Snapshot(), state.Retries())
				}
			}
		})
	}

	if !*noInput {
		// Not part of the group: a blocked stdin read must not hold up shutdown.
		go func() {
			commandLoop(os.Stdin, consumer, state)
			cancel()
		}()
	}

	return g.Wait()
}

// connector opens a fresh link for every attempt and reads it until it ends.
func connector(cfg *config.Config, queue *capture.Queue, logger *slog.Logger, state *capture.ReconnectState) capture.ConnectFunc {
	return func(ctx context.Context) error {
		l, err := link.Open(ctx, cfg.Link, logger)
		if err != nil {
			return err
		}
		state.Connected()
		fmt.Printf("Connected: %s\n", l.Describe())

		s := capture.NewSession(l, queue, capture.SessionConfig{
			MaxConsecutiveErrors: cfg.Capture.MaxConsecutiveErrors,
			FlushOnStart:         cfg.Capture.FlushOnConnect,
			Logger:               logger,
		})
		logger.Info("capture session started", "session", s.ID(), "link", l.Describe())
		return s.Run(ctx)
	}
}

func commandLoop(in io.Reader, consumer *capture.Consumer, state *capture.ReconnectState) {
	fmt.Println("Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "quit", "exit", "q":
			fmt.Println("Goodbye!")
			return

		case "help", "?":
			printHelp()

		case "record", "start":
			do(consumer, func(c *recording.Controller) {
				if c.IsRecording() {
					fmt.Println("Already recording")
					return
				}
				if err := c.Start(recording.TriggerManual); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					return
				}
				fmt.Printf("Recording to %s\n", c.Status().Path)
			})

		case "stop":
			do(consumer, func(c *recording.Controller) {
				if _, err := c.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				}
			})

		case "motion":
			if len(parts) < 2 || (parts[1] != "on" && parts[1] != "off") {
				fmt.Println("Usage: motion on|off")
				continue
			}
			on := parts[1] == "on"
			do(consumer, func(c *recording.Controller) {
				if err := c.SetMotionRecording(on); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					return
				}
				fmt.Printf("Motion recording %s\n", parts[1])
			})

		case "status":
			printStatus(consumer.Snapshot(), state.Retries())

		default:
			fmt.Printf("Unknown command: %s (type 'help' for available commands)\n", parts[0])
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}

// do schedules fn on the consumer, or says why it cannot.
func do(consumer *capture.Consumer, fn func(*recording.Controller)) {
	if err := consumer.Do(fn); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func printHelp() {
	fmt.Println("\nAvailable commands:")
	fmt.Println("  help           - Show this help message")
	fmt.Println("  record         - Start a manual recording")
	fmt.Println("  stop           - Stop the current recording")
	fmt.Println("  motion on|off  - Toggle motion-triggered recording")
	fmt.Println("  status         - Print link, rate and recording status")
	fmt.Println("  quit/exit/q    - Exit the program")
	fmt.Println()
}

func printStatus(s capture.Snapshot, retries int) {
	where := "disconnected"
	switch {
	case s.Connected:
		where = s.Link
	case retries > 0:
		where = fmt.Sprintf("reconnecting, attempt %d", retries)
	}
	fmt.Printf("[%s] frames=%d seq=%d gaps=%d errors=%d | send %.1f fps, camera %.1f fps, local %.1f fps | avg %s | backlog %d\n",
		where, s.Frames, s.LastSeq, s.SequenceGaps, s.Errors,
		s.SendFPS, s.CameraFPS, s.LocalFPS, humanBytes(int64(s.AvgPayloadBytes)), s.Backlog)

	r := s.Recording
	switch r.State {
	case "idle":
		fmt.Print("  recording: idle")
	default:
		fmt.Printf("  recording: %s %s (%d frames, %s, %s)", r.State, r.Path, r.Frames, humanBytes(r.Bytes), r.Elapsed.Round(time.Second))
		if r.State == "motion" {
			fmt.Printf(" countdown=%d", r.Countdown)
		}
	}
	if r.MotionEnabled {
		fmt.Printf(" | motion: ring %d/%d (%s), detected %d/%d (%.1f%%)",
			r.RingLen, r.RingCap, humanBytes(int64(r.RingBytes)),
			r.Motion.MotionFrames, r.Motion.TotalFrames, r.Motion.DetectionRate())
	}
	fmt.Println()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
