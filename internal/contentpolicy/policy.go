// Package contentpolicy decides how a file produced by an agent task is
// represented in a tool result: inline, embedded, or linked by reference.
package contentpolicy

import (
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Category is the materialization outcome for one file.
type Category int

const (
	InlineImage Category = iota + 1
	InlineAudio
	EmbeddedText
	EmbeddedBinary
	ResourceLink
)

func (c Category) String() string {
	switch c {
	case InlineImage:
		return "inline_image"
	case InlineAudio:
		return "inline_audio"
	case EmbeddedText:
		return "embedded_text"
	case EmbeddedBinary:
		return "embedded_binary"
	case ResourceLink:
		return "resource_link"
	default:
		return "unknown"
	}
}

// Limits are the per-family inclusive size thresholds, in bytes, up to which
// a file is carried by value.
type Limits struct {
	Image  int64 `yaml:"image" json:"image"`
	Audio  int64 `yaml:"audio" json:"audio"`
	Text   int64 `yaml:"text" json:"text"`
	Binary int64 `yaml:"binary" json:"binary"`
}

// DefaultLimits returns the thresholds used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Image:  1024 * 1024,
		Audio:  1024 * 1024,
		Text:   256 * 1024,
		Binary: 64 * 1024,
	}
}

// Family is the coarse content family of a file.
type Family int

const (
	FamilyBinary Family = iota
	FamilyImage
	FamilyAudio
	FamilyText
)

// Classify returns the category for a file. size < 0 means unknown and
// always yields ResourceLink. sample holds the file bytes (or a prefix) when
// the caller has them; it is only consulted to tell text from binary.
func Classify(mimeType string, size int64, sample []byte, limits Limits) Category {
	family := FamilyOf(mimeType, sample)
	if size < 0 {
		return ResourceLink
	}
	switch family {
	case FamilyImage:
		if size <= limits.Image {
			return InlineImage
		}
	case FamilyAudio:
		if size <= limits.Audio {
			return InlineAudio
		}
	case FamilyText:
		if size <= limits.Text {
			return EmbeddedText
		}
	default:
		if size <= limits.Binary {
			return EmbeddedBinary
		}
	}
	return ResourceLink
}

// MaxInline returns the largest size that could be inlined for a file of the
// given mime type, regardless of content.
func MaxInline(mimeType string, limits Limits) int64 {
	switch mediaType(mimeType) {
	case "image":
		return limits.Image
	case "audio":
		return limits.Audio
	}
	return max(limits.Text, limits.Binary)
}

// FamilyOf maps a mime type and optional content sample to a family. Images
// and audio are decided by mime type; text is decided by content when a
// sample is available and by mime type otherwise.
func FamilyOf(mimeType string, sample []byte) Family {
	switch mediaType(mimeType) {
	case "image":
		return FamilyImage
	case "audio":
		return FamilyAudio
	}
	if sample != nil {
		if IsText(sample) {
			return FamilyText
		}
		return FamilyBinary
	}
	if textMime(mimeType) {
		return FamilyText
	}
	return FamilyBinary
}

// IsText sniffs content: valid UTF-8 without NUL bytes whose detected
// content type is textual.
func IsText(sample []byte) bool {
	if len(sample) == 0 {
		return true
	}
	if !utf8.Valid(sample) {
		return false
	}
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	detected := http.DetectContentType(sample)
	return textMime(detected)
}

func mediaType(mimeType string) string {
	base := baseMime(mimeType)
	if i := strings.IndexByte(base, '/'); i > 0 {
		return base[:i]
	}
	return base
}

func baseMime(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		return parsed
	}
	return strings.ToLower(mimeType)
}

func textMime(mimeType string) bool {
	base := baseMime(mimeType)
	if strings.HasPrefix(base, "text/") {
		return true
	}
	switch base {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml",
		"application/javascript", "application/ecmascript", "application/toml",
		"application/x-sh", "application/sql", "application/graphql":
		return true
	}
	return strings.HasSuffix(base, "+json") || strings.HasSuffix(base, "+xml")
}
