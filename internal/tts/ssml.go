package tts

import (
	"encoding/xml"
	"fmt"
)

const (
	ssmlVersion = "1.0"
	speakLang   = "en-US"
)

// Attributes in the reserved xml namespace marshal with the "xml:" prefix and
// no xmlns declaration.
type speakElement struct {
	XMLName xml.Name     `xml:"speak"`
	Version string       `xml:"version,attr"`
	Lang    string       `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Voice   voiceElement `xml:"voice"`
}

type voiceElement struct {
	Lang    string         `xml:"http://www.w3.org/XML/1998/namespace lang,attr"`
	Gender  string         `xml:"http://www.w3.org/XML/1998/namespace gender,attr"`
	Name    string         `xml:"name,attr"`
	Prosody prosodyElement `xml:"prosody"`
}

type prosodyElement struct {
	Rate    string `xml:"rate,attr"`
	Volume  string `xml:"volume,attr"`
	Pitch   string `xml:"pitch,attr"`
	Contour string `xml:"contour,attr"`
	Text    string `xml:",chardata"`
}

// BuildSSML renders the speech-markup document for req. Locale, voice, prosody
// and text are inserted as given; only standard XML escaping is applied.
func BuildSSML(req Request) ([]byte, error) {
	doc := speakElement{
		Version: ssmlVersion,
		Lang:    speakLang,
		Voice: voiceElement{
			Lang:   req.Locale,
			Gender: req.Gender.String(),
			Name:   req.VoiceName,
			Prosody: prosodyElement{
				Rate:    req.Rate,
				Volume:  req.Volume,
				Pitch:   req.Pitch,
				Contour: req.Contour,
				Text:    req.Text,
			},
		},
	}
	data, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal ssml: %w", err)
	}
	return data, nil
}
