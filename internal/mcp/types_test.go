package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONRPCRequestIsNotification(t *testing.T) {
	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !req.IsNotification() {
		t.Error("request without id should be a notification")
	}
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":0,"method":"ping"}`), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if req.IsNotification() {
		t.Error("request with id 0 is not a notification")
	}
}

func TestContentJSON(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		want    string
	}{
		{
			name:    "text",
			content: TextContent("hello"),
			want:    `{"type":"text","text":"hello"}`,
		},
		{
			name:    "image",
			content: ImageContent([]byte{0x89, 'P', 'N', 'G'}, "image/png"),
			want:    `{"type":"image","data":"iVBORw==","mimeType":"image/png"}`,
		},
		{
			name:    "embedded text",
			content: EmbeddedTextContent("artifact://s/a.txt", "text/plain", "body"),
			want:    `{"type":"resource","resource":{"uri":"artifact://s/a.txt","mimeType":"text/plain","text":"body"}}`,
		},
		{
			name:    "embedded blob",
			content: EmbeddedBlobContent("artifact://s/a.bin", "application/octet-stream", []byte{0, 1}),
			want:    `{"type":"resource","resource":{"uri":"artifact://s/a.bin","mimeType":"application/octet-stream","blob":"AAE="}}`,
		},
		{
			name:    "embedded empty text",
			content: EmbeddedTextContent("artifact://s/empty.txt", "text/plain", ""),
			want:    `{"type":"resource","resource":{"uri":"artifact://s/empty.txt","mimeType":"text/plain","text":""}}`,
		},
		{
			name:    "embedded empty blob",
			content: EmbeddedBlobContent("artifact://s/empty.bin", "application/octet-stream", nil),
			want:    `{"type":"resource","resource":{"uri":"artifact://s/empty.bin","mimeType":"application/octet-stream","text":""}}`,
		},
		{
			name:    "link with size",
			content: ResourceLinkContent("artifact://s/big.zip", "big.zip", "application/zip", 42),
			want:    `{"type":"resource_link","mimeType":"application/zip","uri":"artifact://s/big.zip","name":"big.zip","size":42}`,
		},
		{
			name:    "link without size",
			content: ResourceLinkContent("artifact://s/x", "x", "", -1),
			want:    `{"type":"resource_link","uri":"artifact://s/x","name":"x"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.content)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestTextResult(t *testing.T) {
	res := TextResult("[error] boom", true)
	if !res.IsError || len(res.Content) != 1 || res.Content[0].Text != "[error] boom" {
		t.Fatalf("TextResult() = %+v", res)
	}
}

func TestJSONRPCErrorMessage(t *testing.T) {
	err := &JSONRPCError{Code: ErrCodeToolNotFound, Message: "tool not found: x"}
	if !strings.Contains(err.Error(), "tool not found") {
		t.Errorf("Error() = %q", err.Error())
	}
}
