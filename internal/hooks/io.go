package hooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const maxInputSize = 4 * 1024 * 1024

// Input is the JSON document the runtime writes to a hook's stdin. Fields
// a hook does not need are left zero.
type Input struct {
	SessionID     string    `json:"session_id"`
	HookEventName string    `json:"hook_event_name"`
	Cwd           string    `json:"cwd"`
	ToolName      string    `json:"tool_name"`
	ToolInput     ToolInput `json:"tool_input"`

	// The runtime has used both names for the tool output.
	ToolResponse json.RawMessage `json:"tool_response"`
	ToolResult   json.RawMessage `json:"tool_result"`

	StopHookActive bool `json:"stop_hook_active"`
}

// ToolInput holds the tool arguments devgate inspects.
type ToolInput struct {
	Command      string `json:"command"`
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
	Description  string `json:"description"`
	SubagentType string `json:"subagent_type"`
}

// Path returns the file a file tool writes to.
func (t ToolInput) Path() string {
	if t.FilePath != "" {
		return t.FilePath
	}
	return t.NotebookPath
}

// DecodeInput reads one Input from r. Empty input decodes to a zero Input.
func DecodeInput(r io.Reader) (*Input, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading hook input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("hook input exceeds %d bytes", maxInputSize)
	}
	in := &Input{}
	if len(bytes.TrimSpace(data)) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(data, in); err != nil {
		return nil, fmt.Errorf("decoding hook input: %w", err)
	}
	return in, nil
}

// ResultText flattens the tool output to text. The output may be a plain
// string, a list of content blocks, or an object holding either under
// "content", "result" or "output".
func (in *Input) ResultText() string {
	raw := in.ToolResponse
	if len(raw) == 0 || string(raw) == "null" {
		raw = in.ToolResult
	}
	return flatten(raw)
}

func flatten(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	case '[':
		var blocks []json.RawMessage
		if json.Unmarshal(raw, &blocks) == nil {
			parts := make([]string, 0, len(blocks))
			for _, b := range blocks {
				if s := flatten(b); s != "" {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, "\n")
		}
	case '{':
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) == nil {
			for _, key := range []string{"text", "content", "result", "output"} {
				if v, ok := obj[key]; ok {
					return flatten(v)
				}
			}
		}
	}
	return ""
}

// Verdict is the outcome of a hook.
type Verdict int

const (
	VerdictAllow Verdict = iota
	// VerdictDeny refuses a tool call.
	VerdictDeny
	// VerdictBlock refuses a session stop.
	VerdictBlock
)

// Response is a hook's answer to the runtime.
type Response struct {
	Verdict Verdict
	Reason  string
	// Message is extra detail for stderr; Reason is used when empty.
	Message string
}

// Allow returns an allowing response.
func Allow() *Response { return &Response{Verdict: VerdictAllow} }

// Deny refuses a tool call.
func Deny(reason string) *Response { return &Response{Verdict: VerdictDeny, Reason: reason} }

// Block refuses a session stop.
func Block(reason string) *Response { return &Response{Verdict: VerdictBlock, Reason: reason} }

// Allowed reports whether the runtime may proceed.
func (r *Response) Allowed() bool { return r == nil || r.Verdict == VerdictAllow }

// ExitCode is 0 when allowed and 2 otherwise.
func (r *Response) ExitCode() int {
	if r.Allowed() {
		return 0
	}
	return 2
}

type blockOutput struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// Write renders r for the runtime. A stop block is a JSON document on
// stdout; every refusal also explains itself on stderr.
func (r *Response) Write(stdout, stderr io.Writer) error {
	if r.Allowed() {
		return nil
	}
	if r.Verdict == VerdictBlock {
		if err := json.NewEncoder(stdout).Encode(blockOutput{Decision: "block", Reason: r.Reason}); err != nil {
			return err
		}
	}
	msg := r.Message
	if msg == "" {
		msg = r.Reason
	}
	_, err := fmt.Fprintf(stderr, "devgate: %s\n", msg)
	return err
}
