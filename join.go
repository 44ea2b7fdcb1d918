package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/mrsingh-rishi/livetranslate/audio"
	"github.com/mrsingh-rishi/livetranslate/audio/miniaudio"
	"github.com/mrsingh-rishi/livetranslate/llm"
	"github.com/mrsingh-rishi/livetranslate/membership"
	"github.com/mrsingh-rishi/livetranslate/metrics"
	"github.com/mrsingh-rishi/livetranslate/model"
	"github.com/mrsingh-rishi/livetranslate/output"
	"github.com/mrsingh-rishi/livetranslate/realtime"
	"github.com/mrsingh-rishi/livetranslate/session"
	"github.com/mrsingh-rishi/livetranslate/store"
	"github.com/mrsingh-rishi/livetranslate/stt"
)

var (
	requestID    string
	outputFormat string
)

func init() {
	joinCmd.Flags().StringVar(&requestID, "request-id", "", "meeting request id; empty creates a new meeting")
	joinCmd.Flags().StringVar(&outputFormat, "output", "text", "transcript output: text or json")
	joinCmd.Flags().String("device", "", "input device id, as listed by the devices command")
	joinCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address")
	v.BindPFlag("audio.device", joinCmd.Flags().Lookup("device"))
	v.BindPFlag("metrics.address", joinCmd.Flags().Lookup("metrics-addr"))
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a session and stream live translations",
	Long: `Join (or create) a session and print the shared transcript as it grows.

Commands on stdin:
  m  toggle mute        c  clear transcript
  r  restart streaming  s  show status
  d  list devices       d <id>  switch device
  e  end for everyone   q  leave`,
	RunE: runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateJoin(); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := miniaudio.New(logger.Named("audio"))
	if err != nil {
		return err
	}
	defer driver.Close()

	reg := newRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Address != "" {
		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		app.Get("/metrics", metricsHandler(reg))
		go func() {
			if err := app.Listen(cfg.Metrics.Address); err != nil {
				logger.Errorw("metrics server stopped", "error", err)
			}
		}()
		defer app.Shutdown()
	}

	coordinator, err := session.New(session.Config{
		Socket: stt.Options{
			URL:          cfg.Transcription.Endpoint(),
			DialTimeout:  cfg.Transcription.DialTimeout,
			WriteTimeout: cfg.Transcription.WriteTimeout,
		},
		Capture: audio.PipelineConfig{
			SampleRate: cfg.Audio.SampleRate,
			FrameSize:  cfg.Audio.FrameSize,
		},
		DevicePoll:      cfg.Audio.PollInterval,
		Device:          cfg.Audio.Device,
		Topic:           cfg.Relay.Topic,
		PublishDeadline: cfg.Relay.PublishDeadline,
		MaxInFlight:     cfg.Translation.MaxInFlight,
	}, session.Deps{
		Membership: membership.New(membership.Config{
			BaseURL: cfg.Membership.BaseURL,
			Timeout: cfg.Membership.Timeout,
		}, logger.Named("membership")),
		Translator: llm.NewTranslator(llm.Config{
			APIKey:    cfg.Translation.APIKey,
			BaseURL:   cfg.Translation.BaseURL,
			Model:     cfg.Translation.Model,
			Timeout:   cfg.Translation.Timeout,
			MaxTokens: cfg.Translation.MaxTokens,
		}, logger.Named("llm")),
		Connector: session.ConnectorFunc(func(ctx context.Context, creds model.Credentials) (session.Channel, error) {
			c, err := realtime.Dial(ctx, realtime.Options{
				URL:    cfg.Relay.RealtimeURL,
				Logger: logger.Named("realtime"),
			}, creds)
			if err != nil {
				return nil, err
			}
			return c, nil
		}),
		Driver:  driver,
		Logger:  logger.Named("session"),
		Metrics: m,
	})
	if err != nil {
		return err
	}
	defer coordinator.Close()

	entries, cancelWatch := coordinator.Watch(256)
	out, err := output.NewTranscriptOutput(entries, os.Stdout, output.Format(outputFormat), logger.Named("output"))
	if err != nil {
		cancelWatch()
		return err
	}
	out.Start()
	defer out.Stop()
	defer cancelWatch()

	if err := coordinator.Join(ctx, requestID); err != nil {
		return err
	}
	status := coordinator.Status()
	fmt.Fprintf(os.Stderr, "joined meeting %s (request %s) on %s\n", status.MeetingID, status.SessionID, status.SelectedDevice)

	if cfg.Store.DatabaseURL != "" {
		stopArchive, err := startArchive(ctx, coordinator, status.MeetingID)
		if err != nil {
			logger.Warnw("transcript archive disabled", "error", err)
		} else {
			defer stopArchive()
		}
	}

	return interact(ctx, coordinator)
}

// startArchive copies every new entry into Postgres until the returned func
// is called.
func startArchive(ctx context.Context, c *session.Coordinator, meetingID string) (func(), error) {
	pool, err := store.Open(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	entries, cancel := c.Watch(256)
	archive := store.NewArchive(pool, logger.Named("store"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		saved := archive.Run(context.Background(), meetingID, entries)
		logger.Infow("transcript archived", "meeting", meetingID, "entries", saved)
	}()

	return func() {
		cancel()
		<-done
		pool.Close()
	}, nil
}

// interact runs stdin commands until the session is over.
func interact(ctx context.Context, c *session.Coordinator) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Leave(context.Background())
		case <-ticker.C:
			if s := c.Status(); s.State == session.Idle {
				if s.Ended {
					fmt.Fprintln(os.Stderr, "the meeting was ended by its host")
				}
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				return c.Leave(context.Background())
			}
			done, err := command(ctx, c, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if done {
				return nil
			}
		}
	}
}

func command(ctx context.Context, c *session.Coordinator, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch fields[0] {
	case "m":
		muted, err := c.ToggleMute(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(os.Stderr, map[bool]string{true: "muted", false: "unmuted"}[muted])
	case "c":
		c.ClearTranscript()
	case "r":
		return false, c.RestartStreaming(ctx)
	case "s":
		s := c.Status()
		fmt.Fprintf(os.Stderr, "%s meeting=%s device=%s entries=%d creator=%v\n",
			s.Mode(), s.MeetingID, s.SelectedDevice, s.Entries, s.CreatedByMe)
		if s.StreamErr != "" {
			fmt.Fprintln(os.Stderr, "last stream error:", s.StreamErr)
		}
	case "d":
		if len(fields) > 1 {
			return false, c.SelectDevice(ctx, fields[1])
		}
		devices, err := c.RefreshDevices(ctx)
		if err != nil {
			return false, err
		}
		_, selected := c.Devices()
		printDevices(devices, selected)
	case "e":
		err := c.End(ctx)
		return err == nil, err
	case "q":
		return true, c.Leave(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", fields[0])
	}
	return false, nil
}
