package host

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/inercia/verso/internal/engine"
)

func TestStreamJSONArgs(t *testing.T) {
	argv, err := streamJSONArgs("claude -p", engine.StartOptions{Model: "sonnet", ResumeID: "abc"})
	if err != nil {
		t.Fatalf("streamJSONArgs failed: %v", err)
	}
	joined := strings.Join(argv, " ")
	for _, want := range []string{
		"claude -p",
		"--input-format stream-json",
		"--output-format stream-json",
		"--model sonnet",
		"--resume abc",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("argv %q missing %q", joined, want)
		}
	}
}

func TestStreamJSONArgsNoOptions(t *testing.T) {
	argv, err := streamJSONArgs("claude", engine.StartOptions{})
	if err != nil {
		t.Fatalf("streamJSONArgs failed: %v", err)
	}
	joined := strings.Join(argv, " ")
	if strings.Contains(joined, "--model") || strings.Contains(joined, "--resume") {
		t.Errorf("argv %q has flags for unset options", joined)
	}
}

func TestStreamJSONArgsEmptyCommand(t *testing.T) {
	if _, err := streamJSONArgs("", engine.StartOptions{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestUserMessageLine(t *testing.T) {
	line, err := userMessageLine("hello", nil)
	if err != nil {
		t.Fatalf("userMessageLine failed: %v", err)
	}
	var msg struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if msg.Type != "user" || msg.Message.Role != "user" {
		t.Errorf("unexpected envelope: type=%q role=%q", msg.Type, msg.Message.Role)
	}
	if len(msg.Message.Content) != 1 || msg.Message.Content[0].Text != "hello" {
		t.Errorf("unexpected content: %+v", msg.Message.Content)
	}
}

func TestUserMessageLineImageAttachment(t *testing.T) {
	line, err := userMessageLine("look", []engine.Attachment{
		{Type: "image", MimeType: "image/png", Data: "aGk="},
	})
	if err != nil {
		t.Fatalf("userMessageLine failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	content := msg["message"].(map[string]any)["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("content has %d blocks, want 2", len(content))
	}
	img := content[1].(map[string]any)
	if img["type"] != "image" {
		t.Errorf("second block type = %v, want image", img["type"])
	}
	source := img["source"].(map[string]any)
	if source["media_type"] != "image/png" || source["data"] != "aGk=" {
		t.Errorf("unexpected image source: %v", source)
	}
}

func TestScanLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"s1"}`,
		"engine banner, not JSON",
		"",
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"}]}}`,
		`{"broken json`,
		`{"type":"result","subtype":"success","total_cost_usd":0.01,"session_id":"s1"}`,
	}, "\n")

	var got []*engine.StreamMessage
	scanLines(strings.NewReader(input), nil, func(m *engine.StreamMessage) {
		got = append(got, m)
	})

	if len(got) != 3 {
		t.Fatalf("scanLines emitted %d messages, want 3", len(got))
	}
	if got[0].Type != "system" || got[1].Type != "assistant" || got[2].Type != "result" {
		t.Errorf("unexpected message types: %s %s %s", got[0].Type, got[1].Type, got[2].Type)
	}
	if got[2].CostUSD != 0.01 || got[2].SessionID != "s1" {
		t.Errorf("result line decoded wrong: %+v", got[2])
	}
}
