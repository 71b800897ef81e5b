package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/nugget/mcpagent/internal/demo"
)

const demoServerEnv = "MCPAGENT_DEMO_SERVER"

// TestMain doubles as the MCP server: when the environment variable is
// set the test binary serves the demo tools on stdin/stdout.
func TestMain(m *testing.M) {
	if os.Getenv(demoServerEnv) == "1" {
		if err := demo.Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// writeConfig writes a config that launches this test binary as the MCP
// server, with extra YAML appended at the top level.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	exe, err := json.Marshal(os.Args[0])
	if err != nil {
		t.Fatal(err)
	}
	content := fmt.Sprintf(`log_level: error
mcp:
  name: demo
  command: %s
  args: ["-test.run=^$"]
  env: ["%s=1"]
  request_timeout: 10s
  initialize: true
%s`, exe, demoServerEnv, extra)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(stdin), &stdout, &stderr, args)
	if err != nil {
		t.Logf("stderr:\n%s", stderr.String())
	}
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCmd(t, "", args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: mcpagent") {
			t.Errorf("run(%v) output:\n%s", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown command", args: []string{"dance"}, want: "unknown command: dance"},
		{name: "unknown flag", args: []string{"-verbose", "chat"}, want: "unknown flag: -verbose"},
		{name: "bad output format", args: []string{"-o", "yaml", "version"}, want: "unknown output format"},
		{name: "call without tool", args: []string{"call"}, want: "usage: mcpagent call"},
		{name: "call with extra args", args: []string{"call", "a", "{}", "b"}, want: "usage: mcpagent call"},
		{name: "missing config", args: []string{"-config", "/nonexistent/config.yaml", "tools"}, want: "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, "", tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "mcpagent ") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output:\n%s", out)
	}

	out, err = runCmd(t, "", "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version json output %q: %v", out, err)
	}
	if info["version"] == "" {
		t.Errorf("version json = %v, want a version field", info)
	}
}

func TestRun_ToolsJSON(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := runCmd(t, "", "-config", cfg, "-o", "json", "tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}

	var schema []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Parameters  map[string]any `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("tools output %q: %v", out, err)
	}

	found := false
	for _, s := range schema {
		if s.Type != "function" {
			t.Errorf("type = %q, want function", s.Type)
		}
		if s.Function.Name == "GetProjectCode" {
			found = true
			if s.Function.Parameters["type"] != "object" {
				t.Errorf("parameters = %v, want an object schema", s.Function.Parameters)
			}
		}
	}
	if !found {
		t.Errorf("GetProjectCode missing from:\n%s", out)
	}
}

func TestRun_ToolsExclude(t *testing.T) {
	cfg := writeConfig(t, "  exclude: [Echo]\n")

	out, err := runCmd(t, "", "-config="+cfg, "tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	if !strings.Contains(out, "GetProjectCode") {
		t.Errorf("output missing GetProjectCode:\n%s", out)
	}
	if strings.Contains(out, "Echo") {
		t.Errorf("excluded tool listed:\n%s", out)
	}
}

func TestRun_Call(t *testing.T) {
	cfg := writeConfig(t, "")

	tests := []struct {
		args string
		want string
	}{
		{args: `{"project":"BBAC"}`, want: "the code of project BBAC is 88888888"},
		{args: `{"project":"DMCDV"}`, want: "the code of project DMCDV is 65UTTV"},
		{args: `{"project":"dmcdv"}`, want: demo.NoCode},
		{args: `{"project":"XYZ"}`, want: demo.NoCode},
	}

	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			out, err := runCmd(t, "", "-config", cfg, "call", "GetProjectCode", tt.args)
			if err != nil {
				t.Fatalf("call: %v", err)
			}
			if got := strings.TrimSpace(out); got != tt.want {
				t.Errorf("call output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun_CallUnknownTool(t *testing.T) {
	cfg := writeConfig(t, "")

	_, err := runCmd(t, "", "-config", cfg, "call", "Nope", "{}")
	if err == nil || !strings.Contains(err.Error(), "Nope") {
		t.Errorf("call error = %v, want one naming the tool", err)
	}
}

func TestRun_Login(t *testing.T) {
	keyring.MockInit()
	cfg := writeConfig(t, "llm:\n  keyring_service: mcpagent-test\n")

	out, err := runCmd(t, "  sk-test-key  \n", "-config", cfg, "login")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "mcpagent-test/openai") {
		t.Errorf("prompt did not name the keyring entry:\n%s", out)
	}

	got, err := keyring.Get("mcpagent-test", "openai")
	if err != nil {
		t.Fatalf("keyring.Get: %v", err)
	}
	if got != "sk-test-key" {
		t.Errorf("stored key = %q, want sk-test-key", got)
	}
}

func TestRun_Logout(t *testing.T) {
	keyring.MockInit()
	cfg := writeConfig(t, "llm:\n  keyring_service: mcpagent-test\n")
	if err := keyring.Set("mcpagent-test", "openai", "sk-old"); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "", "-config", cfg, "logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !strings.Contains(out, "mcpagent-test/openai removed") {
		t.Errorf("logout output:\n%s", out)
	}
	if _, err := keyring.Get("mcpagent-test", "openai"); err != keyring.ErrNotFound {
		t.Errorf("keyring.Get after logout = %v, want ErrNotFound", err)
	}

	// Nothing left to remove is still a success.
	if _, err := runCmd(t, "", "-config", cfg, "logout"); err != nil {
		t.Errorf("second logout: %v", err)
	}
}

func TestRun_LoginEmptyKey(t *testing.T) {
	keyring.MockInit()
	cfg := writeConfig(t, "")

	if _, err := runCmd(t, "\n", "-config", cfg, "login"); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestRun_ChatWithoutKey(t *testing.T) {
	keyring.MockInit()
	cfg := writeConfig(t, "llm:\n  keyring_service: mcpagent-empty\n")

	_, err := runCmd(t, "quit\n", "-config", cfg, "chat")
	if err == nil || !strings.Contains(err.Error(), "mcpagent login") {
		t.Errorf("chat error = %v, want a hint to log in", err)
	}
}

// fakeOpenAI answers the first completion with a GetProjectCode call and
// the second with text, recording each request body. The model list
// counts requests so that pings can be checked.
type fakeOpenAI struct {
	mu       sync.Mutex
	bodies   []map[string]any
	authHdrs []string
	pings    int
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/models" {
		f.mu.Lock()
		f.pings++
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-test","object":"model"}]}`)
		return
	}
	if r.URL.Path != "/chat/completions" {
		http.NotFound(w, r)
		return
	}
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)

	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	f.authHdrs = append(f.authHdrs, r.Header.Get("Authorization"))
	n := len(f.bodies)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if n == 1 {
		fmt.Fprint(w, `{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"GetProjectCode","arguments":"{\"project\":\"BBAC\"}"}}
		]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
		return
	}
	fmt.Fprint(w, `{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"The code is 88888888."},"finish_reason":"stop"}],"usage":{"prompt_tokens":20,"completion_tokens":6}}`)
}

func TestRun_Chat(t *testing.T) {
	fake := &fakeOpenAI{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := writeConfig(t, fmt.Sprintf(`max_tool_rounds: 2
render_markdown: false
llm:
  provider: openai
  model: gpt-test
  base_url: %s
  api_key: test-key
`, srv.URL))

	out, err := runCmd(t, "What is the code for BBAC?\nquit\n", "-config", cfg, "chat")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	for _, want := range []string{
		"Connected to " + demo.ServerName,
		`[tool] GetProjectCode {"project":"BBAC"}`,
		"Assistant: The code is 88888888.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("chat output missing %q:\n%s", want, out)
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()

	if fake.pings != 1 {
		t.Errorf("provider pinged %d times before chat, want 1", fake.pings)
	}
	if len(fake.bodies) != 2 {
		t.Fatalf("completions requested %d times, want 2", len(fake.bodies))
	}
	for i, h := range fake.authHdrs {
		if h != "Bearer test-key" {
			t.Errorf("request %d Authorization = %q", i, h)
		}
	}
	if _, ok := fake.bodies[0]["tools"]; !ok {
		t.Error("first request offered no tools")
	}

	msgs, _ := fake.bodies[1]["messages"].([]any)
	var toolMsg map[string]any
	for _, m := range msgs {
		if mm, ok := m.(map[string]any); ok && mm["role"] == "tool" {
			toolMsg = mm
		}
	}
	if toolMsg == nil {
		t.Fatalf("second request has no tool message: %v", msgs)
	}
	if toolMsg["tool_call_id"] != "call_1" || toolMsg["content"] != "the code of project BBAC is 88888888" {
		t.Errorf("tool message = %v, want call_1 with the BBAC code", toolMsg)
	}
}

func TestRun_ChatNoToolRounds(t *testing.T) {
	fake := &fakeOpenAI{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := writeConfig(t, fmt.Sprintf(`max_tool_rounds: 0
render_markdown: false
llm:
  model: gpt-test
  base_url: %s
  api_key: test-key
`, srv.URL))

	if _, err := runCmd(t, "hello\nquit\n", "-config", cfg, "chat"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.bodies) == 0 {
		t.Fatal("no completion requested")
	}
	if _, ok := fake.bodies[0]["tools"]; ok {
		t.Error("max_tool_rounds: 0 still offered tools")
	}
}

func TestRun_Status(t *testing.T) {
	fake := &fakeOpenAI{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := writeConfig(t, fmt.Sprintf("llm:\n  model: gpt-test\n  base_url: %s\n  api_key: test-key\n", srv.URL))

	out, err := runCmd(t, "", "-config", cfg, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"demo (" + demo.ServerName, "tools:     2", "LLM:         openai gpt-test"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Count(out, "ping:      ok") != 2 {
		t.Errorf("want both checks ok:\n%s", out)
	}

	out, err = runCmd(t, "", "-config", cfg, "-o", "json", "status")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("status json %q: %v", out, err)
	}
	if report.MCP.ServerName != demo.ServerName || report.MCP.Ping != "ok" || report.LLM.Ping != "ok" {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_StatusProviderDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := writeConfig(t, fmt.Sprintf("llm:\n  model: gpt-test\n  base_url: %s\n  api_key: test-key\n", srv.URL))

	out, err := runCmd(t, "", "-config", cfg, "status")
	if err == nil || !strings.Contains(err.Error(), "1 check(s) failed") {
		t.Errorf("status error = %v, want one failed check", err)
	}
	if !strings.Contains(out, "ping:      ok") {
		t.Errorf("MCP ping should still pass:\n%s", out)
	}
}
