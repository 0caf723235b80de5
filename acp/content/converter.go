package content

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultSupportedImageTypes mirrors the converter's accepted MIME types.
var DefaultSupportedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Converter converts ACP content blocks into NormalizedBlocks plus a text
// prompt, applying the same per-kind rules as original_source's
// AcpToAmplifierContentConverter.
type Converter struct {
	SupportedImageTypes map[string]bool
}

// NewConverter returns a Converter with the default supported image types.
func NewConverter() *Converter {
	return &Converter{SupportedImageTypes: DefaultSupportedImageTypes}
}

// Convert applies every content-block rule in turn, producing a
// ConversionResult. A prompt with no text and no image content falls back
// to a placeholder string so downstream agents never receive an empty turn.
func (c *Converter) Convert(blocks []ContentBlock) ConversionResult {
	var result ConversionResult
	var textParts []string

	for _, b := range blocks {
		c.processBlock(b, &result, &textParts)
	}

	result.TextPrompt = strings.TrimSpace(strings.Join(textParts, "\n"))
	if result.TextPrompt == "" && !result.HasImages() {
		result.TextPrompt = "Please provide content with text or images."
	}
	return result
}

func (c *Converter) processBlock(b ContentBlock, result *ConversionResult, textParts *[]string) {
	switch b.Kind() {
	case KindText:
		*textParts = append(*textParts, b.Text)
		result.Blocks = append(result.Blocks, NormalizedBlock{Type: "text", Text: b.Text})

	case KindImage:
		if nb, ok := c.convertImage(b.Image); ok {
			result.Blocks = append(result.Blocks, nb)
		} else {
			result.Warnings = append(result.Warnings, c.unsupportedImageWarning(b.Image))
		}

	case KindAudio:
		result.Warnings = append(result.Warnings, "Audio content is not currently supported.")

	case KindEmbeddedResource:
		if nb, ok := c.convertEmbedded(b.Embedded); ok {
			result.Blocks = append(result.Blocks, nb)
			if nb.Type == "text" {
				*textParts = append(*textParts, nb.Text)
			}
		}

	case KindResource:
		result.Warnings = append(result.Warnings, "External resource links cannot be fetched. Please embed content directly.")
	}
}

func (c *Converter) convertImage(img *ImageBlock) (NormalizedBlock, bool) {
	if img == nil || img.MimeType == "" || img.Data == "" {
		return NormalizedBlock{}, false
	}
	if !c.SupportedImageTypes[img.MimeType] {
		return NormalizedBlock{}, false
	}
	return NormalizedBlock{
		Type: "image",
		Source: map[string]string{
			"type":       "base64",
			"media_type": img.MimeType,
			"data":       img.Data,
		},
	}, true
}

func (c *Converter) unsupportedImageWarning(img *ImageBlock) string {
	mime := "unknown"
	if img != nil && img.MimeType != "" {
		mime = img.MimeType
	}
	return fmt.Sprintf("Unsupported image type: %s. Supported types: %s", mime, strings.Join(sortedKeys(c.SupportedImageTypes), ", "))
}

func (c *Converter) convertEmbedded(r *EmbeddedResource) (NormalizedBlock, bool) {
	if r == nil {
		return NormalizedBlock{}, false
	}
	if r.Text != nil {
		text := *r.Text
		if r.URI != "" {
			text = fmt.Sprintf("[Resource: %s]\n%s", r.URI, text)
		}
		return NormalizedBlock{Type: "text", Text: text}, true
	}
	if r.Blob != nil && r.MimeType != "" && c.SupportedImageTypes[r.MimeType] {
		return NormalizedBlock{
			Type: "image",
			Source: map[string]string{
				"type":       "base64",
				"media_type": r.MimeType,
				"data":       *r.Blob,
			},
		}, true
	}
	return NormalizedBlock{}, false
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
