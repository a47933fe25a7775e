package playback

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// FileSink writes each utterance to its own file. Headerless 16-bit PCM is
// wrapped into a WAV container so the result is playable as is.
type FileSink struct {
	dir   string
	log   *slog.Logger
	clock func() time.Time
}

func NewFileSink(dir string, log *slog.Logger) *FileSink {
	return &FileSink{dir: dir, log: log, clock: time.Now}
}

func (f *FileSink) Play(ctx context.Context, audio io.Reader, format tts.OutputFormat) error {
	name := fmt.Sprintf("%s-%s", f.clock().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	_, err := f.Save(ctx, audio, format, filepath.Join(f.dir, name))
	return err
}

// Save writes audio to base plus the format's extension and returns the path.
// Raw PCM gets a .wav extension and a WAV header.
func (f *FileSink) Save(ctx context.Context, audio io.Reader, format tts.OutputFormat, base string) (string, error) {
	ext := format.Extension()
	if format.RawPCM() {
		ext = "wav"
	}
	path := base + "." + ext
	if err := f.SaveAs(ctx, audio, format, path); err != nil {
		return "", err
	}
	return path, nil
}

// SaveAs writes audio to exactly path. Raw PCM is wrapped into WAV only when
// path ends in .wav; every other payload is written as received.
func (f *FileSink) SaveAs(ctx context.Context, audio io.Reader, format tts.OutputFormat, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}
	defer file.Close()

	wrap := format.RawPCM() && strings.EqualFold(filepath.Ext(path), ".wav")
	if wrap {
		pcm, err := io.ReadAll(audio)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		if err := writePCMToWav(file, pcm, format.SampleRate(), 1); err != nil {
			return err
		}
	} else if _, err := io.Copy(file, audio); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	attrs := []any{slog.String("path", path), slog.String("format", format.Header())}
	if format.RIFF() || wrap {
		if d, err := wavDuration(file); err == nil {
			attrs = append(attrs, slog.Duration("duration", d))
		}
	}
	f.log.Info("audio saved", attrs...)
	return nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func wavDuration(file *os.File) (time.Duration, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("not a wav file")
	}
	return dec.Duration()
}
