package tts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestOutputFormatHeaders(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   string
	}{
		{Raw8Khz8BitMonoMULaw, "raw-8khz-8bit-mono-mulaw"},
		{Raw16Khz16BitMonoPcm, "raw-16khz-16bit-mono-pcm"},
		{Riff8Khz8BitMonoMULaw, "riff-8khz-8bit-mono-mulaw"},
		{Riff16Khz16BitMonoPcm, "riff-16khz-16bit-mono-pcm"},
		{Ssml16Khz16BitMonoSilk, "ssml-16khz-16bit-mono-silk"},
		{Raw16Khz16BitMonoTrueSilk, "raw-16khz-16bit-mono-truesilk"},
		{Ssml16Khz16BitMonoTts, "ssml-16khz-16bit-mono-tts"},
		{Audio16Khz128KBitRateMonoMp3, "audio-16khz-128kbitrate-mono-mp3"},
		{Audio16Khz64KBitRateMonoMp3, "audio-16khz-64kbitrate-mono-mp3"},
		{Audio16Khz32KBitRateMonoMp3, "audio-16khz-32kbitrate-mono-mp3"},
		{Audio16Khz16KbpsMonoSiren, "audio-16khz-16kbps-mono-siren"},
		{Riff16Khz16KbpsMonoSiren, "riff-16khz-16kbps-mono-siren"},
	}

	require.Len(t, OutputFormats(), len(tests))
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.Header())
			assert.Equal(t, tt.want, tt.format.String())

			parsed, err := ParseOutputFormat(strings.ToUpper(tt.want))
			require.NoError(t, err)
			assert.Equal(t, tt.format, parsed)
		})
	}
}

func TestOutputFormatIdentifiersAreDistinct(t *testing.T) {
	seen := make(map[string]OutputFormat)
	for _, f := range OutputFormats() {
		if prev, ok := seen[f.Header()]; ok {
			t.Fatalf("formats %d and %d share identifier %q", prev, f, f.Header())
		}
		seen[f.Header()] = f
	}
}

func TestOutputFormatOutOfRangeUsesDefault(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.OneOf(rapid.IntRange(-1<<20, -1), rapid.IntRange(len(formatTable), 1<<20)).Draw(rt, "format")
		f := OutputFormat(n)
		if got := f.Header(); got != "riff-16khz-16bit-mono-pcm" {
			rt.Fatalf("format %d mapped to %q", n, got)
		}
		if f.Extension() != "wav" || f.SampleRate() != 16000 {
			rt.Fatalf("format %d metadata does not match default", n)
		}
	})
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("")
	require.NoError(t, err)
	assert.Equal(t, DefaultOutputFormat, f)

	_, err = ParseOutputFormat("ogg-24khz-16bit-mono-opus")
	assert.Error(t, err)
}

func TestOutputFormatMetadata(t *testing.T) {
	assert.True(t, Raw16Khz16BitMonoPcm.RawPCM())
	assert.False(t, Riff16Khz16BitMonoPcm.RawPCM())
	assert.True(t, Riff16Khz16BitMonoPcm.RIFF())
	assert.False(t, Audio16Khz32KBitRateMonoMp3.RIFF())
	assert.Equal(t, "audio/mpeg", Audio16Khz64KBitRateMonoMp3.ContentType())
	assert.Equal(t, 8000, Raw8Khz8BitMonoMULaw.SampleRate())
	assert.Equal(t, 0, Audio16Khz128KBitRateMonoMp3.BitDepth())
}

func TestGenderStringDefaultsToFemale(t *testing.T) {
	assert.Equal(t, "Male", Male.String())
	assert.Equal(t, "Female", Female.String())

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.Int().Filter(func(v int) bool { return v != int(Male) }).Draw(rt, "gender")
		if got := Gender(n).String(); got != "Female" {
			rt.Fatalf("gender %d rendered as %q", n, got)
		}
	})
}

func TestParseGender(t *testing.T) {
	assert.Equal(t, Male, ParseGender("male"))
	assert.Equal(t, Male, ParseGender(" MALE "))

	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.String().Filter(func(v string) bool {
			return !strings.EqualFold(strings.TrimSpace(v), "male")
		}).Draw(rt, "input")
		if got := ParseGender(s); got != Female {
			rt.Fatalf("ParseGender(%q) = %v", s, got)
		}
	})
}
