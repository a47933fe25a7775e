package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/mattn/go-shellwords"
)

// CommandPlayer pipes audio into the stdin of an external player such as
// aplay or ffplay. Calls are serialized since they share one output device.
type CommandPlayer struct {
	cmd []string
	log *slog.Logger
	mu  sync.Mutex
}

func NewCommandPlayer(command string, log *slog.Logger) (*CommandPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("playback command is empty")
	}
	return &CommandPlayer{cmd: args, log: log}, nil
}

// Play runs the command once per call. The format is exported to the child as
// LOQA_AUDIO_FORMAT and LOQA_AUDIO_SAMPLE_RATE.
func (p *CommandPlayer) Play(ctx context.Context, audio io.Reader, format tts.OutputFormat) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	command := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	command.Env = append(os.Environ(),
		"LOQA_AUDIO_FORMAT="+format.Header(),
		"LOQA_AUDIO_SAMPLE_RATE="+strconv.Itoa(format.SampleRate()),
	)
	command.Stdin = audio
	var stderr bytes.Buffer
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return fmt.Errorf("playback command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	p.log.Debug("playback finished", slog.String("command", p.cmd[0]), slog.String("format", format.Header()))
	return nil
}
