package demo

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestProjectCode(t *testing.T) {
	tests := []struct {
		project string
		want    string
	}{
		{"BBAC", "the code of project BBAC is 88888888"},
		{"DMCDV", "the code of project DMCDV is 65UTTV"},
		{"bbac", NoCode},
		{" BBAC ", NoCode},
		{"XYZ", NoCode},
		{"", NoCode},
	}

	for _, tt := range tests {
		if got := ProjectCode(tt.project); got != tt.want {
			t.Errorf("ProjectCode(%q) = %q, want %q", tt.project, got, tt.want)
		}
	}
}

// TestServe drives the server over in-memory pipes with raw JSON-RPC lines.
func TestServe(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		_ = Serve(ctx, inR, outW, io.Discard)
		outW.Close()
	}()

	lines := bufio.NewScanner(outR)
	roundTrip := func(req string) map[string]any {
		t.Helper()
		if _, err := io.WriteString(inW, req+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		if !lines.Scan() {
			t.Fatalf("no response to %s: %v", req, lines.Err())
		}
		var resp map[string]any
		if err := json.Unmarshal(lines.Bytes(), &resp); err != nil {
			t.Fatalf("response %q: %v", lines.Text(), err)
		}
		return resp
	}

	init := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`)
	info := init["result"].(map[string]any)["serverInfo"].(map[string]any)
	if info["name"] != ServerName {
		t.Errorf("serverInfo.name = %v, want %s", info["name"], ServerName)
	}

	list := roundTrip(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	toolList := list["result"].(map[string]any)["tools"].([]any)
	var names []string
	for _, tool := range toolList {
		names = append(names, tool.(map[string]any)["name"].(string))
	}
	if got := strings.Join(names, ","); !strings.Contains(got, "GetProjectCode") || !strings.Contains(got, "Echo") {
		t.Errorf("tools = %v, want GetProjectCode and Echo", names)
	}

	call := roundTrip(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"GetProjectCode","arguments":{"project":"DMCDV"}}}`)
	content := call["result"].(map[string]any)["content"].([]any)
	if text := content[0].(map[string]any)["text"]; text != "the code of project DMCDV is 65UTTV" {
		t.Errorf("GetProjectCode text = %v, want the DMCDV code", text)
	}

	missing := roundTrip(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"GetProjectCode","arguments":{}}}`)
	if isErr, _ := missing["result"].(map[string]any)["isError"].(bool); !isErr {
		t.Errorf("missing argument result = %v, want isError", missing["result"])
	}

	inW.Close()
}
