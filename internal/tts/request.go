package tts

import (
	"io"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// Request describes one utterance. It is built per call and never reused.
type Request struct {
	Endpoint  string
	Text      string
	Locale    string
	VoiceName string
	Gender    Gender
	Rate      string
	Pitch     string
	Volume    string
	Contour   string
	Format    OutputFormat
	// Token overrides the client's TokenSource when set.
	Token string
}

// Result carries exactly one of Audio or Err.
type Result struct {
	Audio io.ReadCloser
	Err   error
}

// RequestDefaults returns a Request populated with the configured voice.
func RequestDefaults(cfg config.SpeechConfig) (Request, error) {
	format, err := ParseOutputFormat(cfg.OutputFormat)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Endpoint:  cfg.Endpoint,
		Locale:    cfg.Locale,
		VoiceName: cfg.VoiceName,
		Gender:    ParseGender(cfg.Gender),
		Rate:      cfg.Rate,
		Pitch:     cfg.Pitch,
		Volume:    cfg.Volume,
		Contour:   cfg.Contour,
		Format:    format,
	}, nil
}

// FromMessage overlays the non-empty fields of msg onto defaults. Contour is
// applied whenever it is present, even when empty.
func FromMessage(defaults Request, msg protocol.TTSRequest) (Request, error) {
	req := defaults
	req.Text = msg.Text
	if msg.OutputFormat != "" {
		format, err := ParseOutputFormat(msg.OutputFormat)
		if err != nil {
			return Request{}, err
		}
		req.Format = format
	}
	if msg.Gender != "" {
		req.Gender = ParseGender(msg.Gender)
	}
	overlay(&req.Locale, msg.Locale)
	overlay(&req.VoiceName, msg.VoiceName)
	overlay(&req.Rate, msg.Rate)
	overlay(&req.Pitch, msg.Pitch)
	overlay(&req.Volume, msg.Volume)
	if msg.Contour != nil {
		req.Contour = *msg.Contour
	}
	return req, nil
}

func overlay(target *string, value string) {
	if value != "" {
		*target = value
	}
}
