package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"go.yaml.in/yaml/v3"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w

	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(&buf, r)
		close(done)
	}()

	restored := false
	restore := func() {
		if restored {
			return
		}
		restored = true
		os.Stdout = old
		_ = w.Close()
		<-done
		_ = r.Close()
	}
	defer restore()

	fn()
	restore()
	return buf.String()
}

func TestParseFormat(t *testing.T) {
	for _, valid := range []string{"text", "json", "yaml"} {
		if _, err := ParseFormat(valid); err != nil {
			t.Errorf("ParseFormat(%q): %v", valid, err)
		}
	}
	if _, err := ParseFormat("toml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestWriter_Write_Text(t *testing.T) {
	w := New(FormatText)

	var buf bytes.Buffer
	w.errOut = &buf

	if err := w.Write("hello"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := buf.String(); got != "hello\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestWriter_Write_JSON(t *testing.T) {
	out := captureStdout(t, func() {
		w := New(FormatJSON)
		if err := w.Write(map[string]any{"a": 1}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	})

	if !strings.Contains(out, "\n  ") {
		t.Fatalf("expected pretty-printed JSON, got: %q", out)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out)
	}
	if got, ok := payload["a"].(float64); !ok || got != 1 {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestWriter_Write_YAML(t *testing.T) {
	out := captureStdout(t, func() {
		type payload struct {
			A int `json:"a"`
		}
		w := New(FormatYAML)
		if err := w.Write(payload{A: 1}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	})

	var decoded map[string]any
	if err := yaml.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("yaml.Unmarshal: %v; out=%q", err, out)
	}

	switch v := decoded["a"].(type) {
	case int:
		if v != 1 {
			t.Fatalf("unexpected payload: %#v", decoded)
		}
	case float64:
		if v != 1 {
			t.Fatalf("unexpected payload: %#v", decoded)
		}
	case string:
		if v != "1" {
			t.Fatalf("unexpected payload: %#v", decoded)
		}
	default:
		t.Fatalf("unexpected payload: %#v", decoded)
	}
}

func TestWriter_Write_UnsupportedFormat(t *testing.T) {
	w := New(Format("bogus"))
	if err := w.Write("x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriter_WriteNDJSON_JSON(t *testing.T) {
	out := captureStdout(t, func() {
		w := New(FormatJSON)
		if err := w.WriteNDJSON(map[string]any{"a": 1}); err != nil {
			t.Fatalf("WriteNDJSON: %v", err)
		}
	})

	if strings.Contains(out, "\n  ") {
		t.Fatalf("expected single-line JSON (no indentation), got: %q", out)
	}
	if strings.Count(strings.TrimRight(out, "\n"), "\n") != 0 {
		t.Fatalf("expected exactly one line of JSON, got: %q", out)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out)
	}
	if got, ok := payload["a"].(float64); !ok || got != 1 {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestWriter_WriteNDJSON_UnsupportedFormat(t *testing.T) {
	w := New(FormatYAML)
	if err := w.WriteNDJSON("x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestWriter_Raw(t *testing.T) {
	var buf bytes.Buffer
	w := New(FormatJSON, WithOutput(&buf))

	if err := w.Raw([]byte("col_a,col_b\n1,2\n")); err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if got := buf.String(); got != "col_a,col_b\n1,2\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestWriter_Textf(t *testing.T) {
	var errBuf bytes.Buffer
	w := New(FormatText, WithErrorOutput(&errBuf))
	w.Textf("count: %d", 3)
	if got := errBuf.String(); got != "count: 3\n" {
		t.Fatalf("unexpected output: %q", got)
	}

	var jsonErr bytes.Buffer
	jw := New(FormatJSON, WithErrorOutput(&jsonErr))
	jw.Textf("count: %d", 3)
	if jsonErr.Len() != 0 {
		t.Fatalf("json mode should suppress Textf, got %q", jsonErr.String())
	}
}

func TestWriter_Success_Text(t *testing.T) {
	w := New(FormatText)

	var buf bytes.Buffer
	w.errOut = &buf

	w.Success("ok")

	if got := buf.String(); got != "✓ ok\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestWriter_Success_JSON(t *testing.T) {
	out := captureStdout(t, func() {
		w := New(FormatJSON)
		w.Success("ok")
	})

	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out)
	}

	if payload["status"] != "success" {
		t.Fatalf("unexpected status: %#v", payload)
	}
	if payload["message"] != "ok" {
		t.Fatalf("unexpected message: %#v", payload)
	}
}

func TestWriter_Error_Text(t *testing.T) {
	w := New(FormatText)

	var buf bytes.Buffer
	w.errOut = &buf

	w.Error(errors.New("boom"))

	if got := buf.String(); got != "✗ boom\n" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestWriter_Error_JSON(t *testing.T) {
	out := captureStdout(t, func() {
		w := New(FormatJSON)
		w.Error(errors.New("boom"))
	})

	var payload ErrorPayload
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("json.Unmarshal: %v; out=%q", err, out)
	}

	if payload.Error != "error" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
	if payload.Message != "boom" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}
