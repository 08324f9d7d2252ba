package mcp

import "encoding/base64"

// Content types of a tool result.
const (
	ContentText         = "text"
	ContentImage        = "image"
	ContentAudio        = "audio"
	ContentResource     = "resource"
	ContentResourceLink = "resource_link"
)

// Content is one part of a tool result. Type selects which fields are set:
//
//	text           Text
//	image, audio   Data (base64), MimeType
//	resource       Resource (text or blob)
//	resource_link  URI, Name, MimeType, Size
type Content struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
	URI      string           `json:"uri,omitempty"`
	Name     string           `json:"name,omitempty"`
	Size     *int64           `json:"size,omitempty"`
}

// TextContent builds a text part.
func TextContent(text string) Content {
	return Content{Type: ContentText, Text: text}
}

// ImageContent builds an inline image part.
func ImageContent(data []byte, mimeType string) Content {
	return Content{Type: ContentImage, Data: base64.StdEncoding.EncodeToString(data), MimeType: mimeType}
}

// AudioContent builds an inline audio part.
func AudioContent(data []byte, mimeType string) Content {
	return Content{Type: ContentAudio, Data: base64.StdEncoding.EncodeToString(data), MimeType: mimeType}
}

// EmbeddedTextContent builds an embedded text resource part.
func EmbeddedTextContent(uri, mimeType, text string) Content {
	return Content{Type: ContentResource, Resource: &ResourceContent{URI: uri, MimeType: mimeType, Text: text}}
}

// EmbeddedBlobContent builds an embedded binary resource part.
func EmbeddedBlobContent(uri, mimeType string, blob []byte) Content {
	return Content{Type: ContentResource, Resource: &ResourceContent{
		URI:      uri,
		MimeType: mimeType,
		Blob:     base64.StdEncoding.EncodeToString(blob),
	}}
}

// ResourceLinkContent builds a link to a resource readable through
// resources/read. size < 0 omits the size.
func ResourceLinkContent(uri, name, mimeType string, size int64) Content {
	c := Content{Type: ContentResourceLink, URI: uri, Name: name, MimeType: mimeType}
	if size >= 0 {
		c.Size = &size
	}
	return c
}

// TextResult builds a single-part text result.
func TextResult(text string, isError bool) *CallToolResult {
	return &CallToolResult{Content: []Content{TextContent(text)}, IsError: isError}
}
