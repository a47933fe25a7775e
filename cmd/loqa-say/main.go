package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-tts/internal/announce"
	"github.com/loqalabs/loqa-tts/internal/auth"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/playback"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

var version = "0.1.0-dev"

type sayOptions struct {
	configPath string
	out        string
	msg        protocol.TTSRequest
}

func main() {
	var opts sayOptions
	sayCmd := newSayFlags(&opts, flag.ExitOnError)

	var (
		voicesConfig string
		voicesWait   time.Duration
	)
	voicesCmd := flag.NewFlagSet("voices", flag.ExitOnError)
	voicesCmd.StringVar(&voicesConfig, "config", "loqa-tts.yaml", "Path to configuration file")
	voicesCmd.DurationVar(&voicesWait, "wait", time.Second, "How long to collect replies")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'voices', 'formats' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "say":
		sayCmd.Parse(os.Args[2:])
		text, err := readText(sayCmd.Args())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		opts.msg.Text = text
		if err := runSay(opts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "voices":
		voicesCmd.Parse(os.Args[2:])
		if err := runVoices(voicesConfig, voicesWait); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "formats":
		for _, f := range tts.OutputFormats() {
			fmt.Println(f.Header())
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func newSayFlags(opts *sayOptions, handling flag.ErrorHandling) *flag.FlagSet {
	fs := flag.NewFlagSet("say", handling)
	fs.StringVar(&opts.configPath, "config", "loqa-tts.yaml", "Path to configuration file")
	fs.StringVar(&opts.out, "out", "", "Write audio to this path instead of playing it; without an extension the format's is added")
	fs.StringVar(&opts.msg.Locale, "locale", "", "Voice locale, e.g. ar-SA")
	fs.StringVar(&opts.msg.VoiceName, "voice", "", "Voice name")
	fs.StringVar(&opts.msg.Gender, "gender", "", "Voice gender (male|female)")
	fs.StringVar(&opts.msg.Rate, "rate", "", "Prosody rate")
	fs.StringVar(&opts.msg.Pitch, "pitch", "", "Prosody pitch")
	fs.StringVar(&opts.msg.Volume, "volume", "", "Prosody volume")
	fs.Func("contour", "Prosody contour, e.g. \"(0%,+20Hz) (100%,-10Hz)\"; an empty value clears the configured one", func(v string) error {
		opts.msg.Contour = &v
		return nil
	})
	fs.StringVar(&opts.msg.OutputFormat, "format", "", "Output format, see 'formats'")
	return fs
}

// readText joins the positional arguments, or reads stdin when the only
// argument is "-".
func readText(args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if len(args) == 0 {
		return "", errors.New("nothing to say")
	}
	return strings.Join(args, " "), nil
}

func runSay(opts sayOptions) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	defaults, err := tts.RequestDefaults(cfg.Speech)
	if err != nil {
		return err
	}
	req, err := tts.FromMessage(defaults, opts.msg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens, err := auth.New(ctx, cfg.Auth, logger)
	if err != nil {
		return err
	}
	defer tokens.Close()

	client := tts.NewClient(tts.NewClientConfig(cfg.Speech), tokens, logger)
	defer client.Close()

	var player playback.Player
	if opts.out == "" {
		if player, err = playback.New(cfg.Playback, logger); err != nil {
			return err
		}
	}

	var playErr error
	<-client.Speak(ctx, req, tts.ObserverFuncs{
		OnAudio: func(audio io.ReadCloser) {
			defer audio.Close()
			if player != nil {
				playErr = player.Play(ctx, audio, req.Format)
				return
			}
			path, err := saveAudio(ctx, audio, req.Format, opts.out, logger)
			if err != nil {
				playErr = err
				return
			}
			fmt.Println(path)
		},
		OnError: func(err error) {
			playErr = err
		},
	})
	return playErr
}

// saveAudio writes audio to out. A path without an extension gets the one
// matching format; otherwise the path is used as given.
func saveAudio(ctx context.Context, audio io.Reader, format tts.OutputFormat, out string, logger *slog.Logger) (string, error) {
	sink := playback.NewFileSink(filepath.Dir(out), logger)
	if filepath.Ext(out) == "" {
		return sink.Save(ctx, audio, format, out)
	}
	if err := sink.SaveAs(ctx, audio, format, out); err != nil {
		return "", err
	}
	return out, nil
}

// runVoices lists the synthesizer nodes reachable on the configured bus.
func runVoices(configPath string, wait time.Duration) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.Bus.Enabled {
		return errors.New("bus is disabled in config")
	}
	busCfg := cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	client, err := bus.Connect(ctx, busCfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	voices, err := announce.Discover(ctx, client.Conn())
	if err != nil {
		return err
	}
	for _, v := range voices {
		fmt.Printf("%s\t%s\t%s\t%s\n", v.NodeID, v.Locale, v.Gender, v.VoiceName)
	}
	return nil
}
