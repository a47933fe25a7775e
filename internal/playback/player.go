package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// Player consumes synthesized audio. The caller still owns audio and closes it.
type Player interface {
	Play(ctx context.Context, audio io.Reader, format tts.OutputFormat) error
}

// New builds the player selected by cfg.Mode.
func New(cfg config.PlaybackConfig, log *slog.Logger) (Player, error) {
	log = log.With(slog.String("component", "playback"))
	switch cfg.Mode {
	case "", "none":
		return discard{}, nil
	case "command":
		return NewCommandPlayer(cfg.Command, log)
	case "file":
		return NewFileSink(cfg.OutputDir, log), nil
	default:
		return nil, fmt.Errorf("unknown playback mode %q", cfg.Mode)
	}
}

type discard struct{}

func (discard) Play(_ context.Context, audio io.Reader, _ tts.OutputFormat) error {
	_, err := io.Copy(io.Discard, audio)
	return err
}
