// Package content implements ACP content-block conversion: turning the
// tagged union of text/image/audio/resource blocks a client sends into the
// normalized blocks and prompt text the session/agent plane consumes.
//
// Grounded on original_source's content_converter.py, re-expressed as a Go
// tagged union with a Kind() method instead of isinstance probing, per the
// runtime's design note that duck-typed dispatch should become an explicit
// tag in Go.
package content

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the concrete type carried by a ContentBlock.
type Kind string

const (
	KindText             Kind = "text"
	KindImage            Kind = "image"
	KindAudio            Kind = "audio"
	KindResource         Kind = "resource"
	KindEmbeddedResource Kind = "resource_link_embedded"
)

// ContentBlock is the tagged union of every block shape a client may send
// in a prompt. Exactly one of the typed fields is populated, matching Kind.
type ContentBlock struct {
	kind Kind

	Text  string
	Image *ImageBlock
	Audio *AudioBlock

	ResourceURI string // set when Kind == KindResource
	Embedded    *EmbeddedResource
}

// Kind reports which field of the union is populated.
func (b ContentBlock) Kind() Kind { return b.kind }

// NewText builds a KindText block.
func NewText(text string) ContentBlock { return ContentBlock{kind: KindText, Text: text} }

// NewImage builds a KindImage block.
func NewImage(img ImageBlock) ContentBlock { return ContentBlock{kind: KindImage, Image: &img} }

// NewAudio builds a KindAudio block.
func NewAudio(a AudioBlock) ContentBlock { return ContentBlock{kind: KindAudio, Audio: &a} }

// NewResourceLink builds a KindResource block (an external URI the runtime
// cannot fetch on the client's behalf).
func NewResourceLink(uri string) ContentBlock {
	return ContentBlock{kind: KindResource, ResourceURI: uri}
}

// NewEmbeddedResource builds a KindEmbeddedResource block.
func NewEmbeddedResource(r EmbeddedResource) ContentBlock {
	return ContentBlock{kind: KindEmbeddedResource, Embedded: &r}
}

// ImageBlock carries inline base64 image data.
type ImageBlock struct {
	Data     string
	MimeType string
}

// AudioBlock carries inline audio data; never supported for conversion, but
// modeled so the converter can report a precise warning instead of silently
// dropping it.
type AudioBlock struct {
	Data     string
	MimeType string
}

// EmbeddedResource carries a resource inlined by the client, either as text
// or as a base64 blob.
type EmbeddedResource struct {
	URI      string
	Text     *string
	Blob     *string
	MimeType string
}

// NormalizedBlock is the converter's output shape: a minimal, uniform block
// the session/agent plane accepts, equivalent to Amplifier's
// {"type": ..., ...} dict blocks.
type NormalizedBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Source carries {"type":"base64","media_type":..., "data":...} for
	// image blocks, matching the shape original_source emits.
	Source map[string]string `json:"source,omitempty"`
}

// wireBlock is the ACP wire shape for a ContentBlock, tagged by Type.
type wireBlock struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	Data     string  `json:"data,omitempty"`
	MimeType string  `json:"mimeType,omitempty"`
	URI      string  `json:"uri,omitempty"`
	Resource *struct {
		URI      string  `json:"uri"`
		Text     *string `json:"text,omitempty"`
		Blob     *string `json:"blob,omitempty"`
		MimeType string  `json:"mimeType,omitempty"`
	} `json:"resource,omitempty"`
}

// MarshalJSON encodes a ContentBlock in ACP's tagged-union wire shape.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	w := wireBlock{Type: string(b.kind)}
	switch b.kind {
	case KindText:
		w.Text = b.Text
	case KindImage:
		if b.Image != nil {
			w.Data, w.MimeType = b.Image.Data, b.Image.MimeType
		}
	case KindAudio:
		if b.Audio != nil {
			w.Data, w.MimeType = b.Audio.Data, b.Audio.MimeType
		}
	case KindResource:
		w.Type = "resource"
		w.URI = b.ResourceURI
	case KindEmbeddedResource:
		w.Type = "resource"
		if b.Embedded != nil {
			w.Resource = &struct {
				URI      string  `json:"uri"`
				Text     *string `json:"text,omitempty"`
				Blob     *string `json:"blob,omitempty"`
				MimeType string  `json:"mimeType,omitempty"`
			}{URI: b.Embedded.URI, Text: b.Embedded.Text, Blob: b.Embedded.Blob, MimeType: b.Embedded.MimeType}
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a ContentBlock from ACP's tagged-union wire shape. A
// "resource" block is embedded when it carries a resource object, otherwise
// it is treated as an external resource link.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case "text":
		*b = NewText(w.Text)
	case "image":
		*b = NewImage(ImageBlock{Data: w.Data, MimeType: w.MimeType})
	case "audio":
		*b = NewAudio(AudioBlock{Data: w.Data, MimeType: w.MimeType})
	case "resource":
		if w.Resource != nil {
			*b = NewEmbeddedResource(EmbeddedResource{
				URI: w.Resource.URI, Text: w.Resource.Text, Blob: w.Resource.Blob, MimeType: w.Resource.MimeType,
			})
		} else {
			*b = NewResourceLink(w.URI)
		}
	default:
		return fmt.Errorf("content: unknown content block type %q", w.Type)
	}
	return nil
}

// ConversionResult is the outcome of converting a slice of ContentBlocks.
type ConversionResult struct {
	Blocks     []NormalizedBlock
	TextPrompt string
	Warnings   []string
}

// HasImages reports whether any converted block is an image.
func (r ConversionResult) HasImages() bool {
	for _, b := range r.Blocks {
		if b.Type == "image" {
			return true
		}
	}
	return false
}
