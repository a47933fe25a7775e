package tts

import (
	"fmt"
	"strings"
)

// OutputFormat selects the audio encoding returned by the speech endpoint.
type OutputFormat int

const (
	Raw8Khz8BitMonoMULaw OutputFormat = iota
	Raw16Khz16BitMonoPcm
	Riff8Khz8BitMonoMULaw
	Riff16Khz16BitMonoPcm
	Ssml16Khz16BitMonoSilk
	Raw16Khz16BitMonoTrueSilk
	Ssml16Khz16BitMonoTts
	Audio16Khz128KBitRateMonoMp3
	Audio16Khz64KBitRateMonoMp3
	Audio16Khz32KBitRateMonoMp3
	Audio16Khz16KbpsMonoSiren
	Riff16Khz16KbpsMonoSiren
)

// DefaultOutputFormat is used for any value outside the known set.
const DefaultOutputFormat = Riff16Khz16BitMonoPcm

type formatInfo struct {
	id          string
	ext         string
	contentType string
	sampleRate  int
	bitDepth    int
	pcm         bool // uncompressed linear samples
	riff        bool
}

var formatTable = [...]formatInfo{
	Raw8Khz8BitMonoMULaw:         {id: "raw-8khz-8bit-mono-mulaw", ext: "ulaw", contentType: "audio/basic", sampleRate: 8000, bitDepth: 8},
	Raw16Khz16BitMonoPcm:         {id: "raw-16khz-16bit-mono-pcm", ext: "pcm", contentType: "audio/L16; rate=16000; channels=1", sampleRate: 16000, bitDepth: 16, pcm: true},
	Riff8Khz8BitMonoMULaw:        {id: "riff-8khz-8bit-mono-mulaw", ext: "wav", contentType: "audio/wav", sampleRate: 8000, bitDepth: 8, riff: true},
	Riff16Khz16BitMonoPcm:        {id: "riff-16khz-16bit-mono-pcm", ext: "wav", contentType: "audio/wav", sampleRate: 16000, bitDepth: 16, pcm: true, riff: true},
	Ssml16Khz16BitMonoSilk:       {id: "ssml-16khz-16bit-mono-silk", ext: "silk", contentType: "application/octet-stream", sampleRate: 16000, bitDepth: 16},
	Raw16Khz16BitMonoTrueSilk:    {id: "raw-16khz-16bit-mono-truesilk", ext: "silk", contentType: "application/octet-stream", sampleRate: 16000, bitDepth: 16},
	Ssml16Khz16BitMonoTts:        {id: "ssml-16khz-16bit-mono-tts", ext: "tts", contentType: "application/octet-stream", sampleRate: 16000, bitDepth: 16},
	Audio16Khz128KBitRateMonoMp3: {id: "audio-16khz-128kbitrate-mono-mp3", ext: "mp3", contentType: "audio/mpeg", sampleRate: 16000},
	Audio16Khz64KBitRateMonoMp3:  {id: "audio-16khz-64kbitrate-mono-mp3", ext: "mp3", contentType: "audio/mpeg", sampleRate: 16000},
	Audio16Khz32KBitRateMonoMp3:  {id: "audio-16khz-32kbitrate-mono-mp3", ext: "mp3", contentType: "audio/mpeg", sampleRate: 16000},
	Audio16Khz16KbpsMonoSiren:    {id: "audio-16khz-16kbps-mono-siren", ext: "siren", contentType: "application/octet-stream", sampleRate: 16000},
	Riff16Khz16KbpsMonoSiren:     {id: "riff-16khz-16kbps-mono-siren", ext: "wav", contentType: "audio/wav", sampleRate: 16000, riff: true},
}

func (f OutputFormat) info() formatInfo {
	if f < 0 || int(f) >= len(formatTable) {
		return formatTable[DefaultOutputFormat]
	}
	return formatTable[f]
}

// Header returns the X-Microsoft-OutputFormat value for f.
func (f OutputFormat) Header() string { return f.info().id }

func (f OutputFormat) String() string { return f.Header() }

// Extension is the file extension, without dot, for audio in this format.
func (f OutputFormat) Extension() string { return f.info().ext }

// ContentType is the MIME type used when audio in this format is served over HTTP.
func (f OutputFormat) ContentType() string { return f.info().contentType }

func (f OutputFormat) SampleRate() int { return f.info().sampleRate }

// BitDepth is zero for compressed formats.
func (f OutputFormat) BitDepth() int { return f.info().bitDepth }

// RawPCM reports whether the payload is headerless linear PCM.
func (f OutputFormat) RawPCM() bool {
	i := f.info()
	return i.pcm && !i.riff
}

// RIFF reports whether the payload carries a RIFF/WAVE header.
func (f OutputFormat) RIFF() bool { return f.info().riff }

// OutputFormats lists every supported format in declaration order.
func OutputFormats() []OutputFormat {
	out := make([]OutputFormat, len(formatTable))
	for i := range formatTable {
		out[i] = OutputFormat(i)
	}
	return out
}

// ParseOutputFormat maps a wire identifier back to its format. Matching is
// case-insensitive. An empty id yields DefaultOutputFormat.
func ParseOutputFormat(id string) (OutputFormat, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultOutputFormat, nil
	}
	for i, info := range formatTable {
		if strings.EqualFold(info.id, id) {
			return OutputFormat(i), nil
		}
	}
	return DefaultOutputFormat, fmt.Errorf("unknown output format %q", id)
}

// Gender is the voice gender carried in the markup document.
type Gender int

const (
	Female Gender = iota
	Male
)

// String yields "Male" for Male and "Female" for every other value.
func (g Gender) String() string {
	if g == Male {
		return "Male"
	}
	return "Female"
}

// ParseGender is case-insensitive; anything other than "male" is Female.
func ParseGender(s string) Gender {
	if strings.EqualFold(strings.TrimSpace(s), "male") {
		return Male
	}
	return Female
}
