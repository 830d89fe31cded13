// Package result selects the value of an execution from its display
// artifacts.
package result

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
)

// Kind names the artifact format a value was taken from.
type Kind string

const (
	KindJPEG       Kind = "jpeg"
	KindPNG        Kind = "png"
	KindChart      Kind = "chart"
	KindData       Kind = "data"
	KindHTML       Kind = "html"
	KindJavaScript Kind = "javascript"
	KindJSON       Kind = "json"
	KindLaTeX      Kind = "latex"
	KindMarkdown   Kind = "markdown"
	KindPDF        Kind = "pdf"
	KindSVG        Kind = "svg"
	KindText       Kind = "text"
)

// Order is the precedence in which artifact kinds are considered.
var Order = []Kind{
	KindJPEG, KindPNG,
	KindChart, KindData, KindHTML, KindJavaScript, KindJSON,
	KindLaTeX, KindMarkdown, KindPDF, KindSVG, KindText,
}

// ErrInvalidImage is returned when an image artifact is not valid base64.
var ErrInvalidImage = errors.New("invalid image artifact")

// MissingFinalResultError is returned in final-answer mode when no main
// result artifact carries a value.
type MissingFinalResultError struct {
	// Artifacts is the number of artifacts the execution produced.
	Artifacts int
}

func (e *MissingFinalResultError) Error() string {
	return fmt.Sprintf("final answer requested but no main result was produced (%d artifacts)", e.Artifacts)
}

// Image is a decoded binary image.
type Image struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// Output is the extracted value of an execution.
type Output struct {
	Kind Kind `json:"kind"`
	// Image is set for KindJPEG and KindPNG.
	Image *Image `json:"image,omitempty"`
	// Value holds the artifact for every other kind: a string, or a map for
	// chart, data and json.
	Value any `json:"value,omitempty"`
}

// Text renders the output as a string for display. Images are summarized.
func (o *Output) Text() string {
	if o == nil {
		return ""
	}
	if o.Image != nil {
		return fmt.Sprintf("<%s image, %d bytes>", o.Image.Format, len(o.Image.Data))
	}
	if s, ok := o.Value.(string); ok {
		return s
	}
	return fmt.Sprint(o.Value)
}

// Extract returns the value of the first main-result artifact, trying kinds
// in Order within each artifact. Non-main artifacts are ignored.
//
// When nothing qualifies it returns (nil, nil), or a MissingFinalResultError
// if finalAnswer is set.
func Extract(results []sandbox.Result, finalAnswer bool) (*Output, error) {
	for i := range results {
		r := &results[i]
		if !r.IsMainResult {
			continue
		}
		out, err := fromArtifact(r)
		if err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}
	}

	if finalAnswer {
		return nil, &MissingFinalResultError{Artifacts: len(results)}
	}
	return nil, nil
}

func fromArtifact(r *sandbox.Result) (*Output, error) {
	for _, kind := range Order {
		switch kind {
		case KindJPEG, KindPNG:
			encoded := r.JPEG
			if kind == KindPNG {
				encoded = r.PNG
			}
			if encoded == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidImage, kind, err)
			}
			return &Output{Kind: kind, Image: &Image{Format: string(kind), Data: data}}, nil
		default:
			if v := field(r, kind); v != nil {
				return &Output{Kind: kind, Value: v}, nil
			}
		}
	}
	return nil, nil
}

// field returns the artifact value for a non-image kind, or nil when empty.
func field(r *sandbox.Result, kind Kind) any {
	var s string
	switch kind {
	case KindChart:
		if len(r.Chart) > 0 {
			return r.Chart
		}
		return nil
	case KindData:
		if len(r.Data) > 0 {
			return r.Data
		}
		return nil
	case KindJSON:
		if len(r.JSON) > 0 {
			return r.JSON
		}
		return nil
	case KindHTML:
		s = r.HTML
	case KindJavaScript:
		s = r.JavaScript
	case KindLaTeX:
		s = r.LaTeX
	case KindMarkdown:
		s = r.Markdown
	case KindPDF:
		s = r.PDF
	case KindSVG:
		s = r.SVG
	case KindText:
		s = r.Text
	}
	if s == "" {
		return nil
	}
	return s
}
