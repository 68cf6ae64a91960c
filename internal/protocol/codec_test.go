package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLineReader(t *testing.T) {
	tests := []struct {
		name  string
		input string
		max   int
		want  []string
		errAt int // index of the ErrLineTooLong result, -1 for none
	}{
		{
			name:  "newline terminated",
			input: "a\nbb\n",
			want:  []string{"a", "bb"},
			errAt: -1,
		},
		{
			name:  "final line without newline",
			input: "a\nlast",
			want:  []string{"a", "last"},
			errAt: -1,
		},
		{
			name:  "crlf is trimmed",
			input: "one\r\ntwo\r\n",
			want:  []string{"one", "two"},
			errAt: -1,
		},
		{
			name:  "blank lines are returned",
			input: "\n\nx\n",
			want:  []string{"", "", "x"},
			errAt: -1,
		},
		{
			name:  "overlong line is consumed",
			input: strings.Repeat("z", 40) + "\nok\n",
			max:   16,
			want:  []string{"", "ok"},
			errAt: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := NewLineReader(strings.NewReader(tt.input), tt.max)
			for i, want := range tt.want {
				line, err := lr.ReadLine()
				if i == tt.errAt {
					if !errors.Is(err, ErrLineTooLong) {
						t.Fatalf("line %d: expected ErrLineTooLong, got %v", i, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("line %d: unexpected error: %v", i, err)
				}
				if string(line) != want {
					t.Errorf("line %d: got %q, want %q", i, line, want)
				}
			}
			if _, err := lr.ReadLine(); !errors.Is(err, io.EOF) {
				t.Errorf("expected io.EOF after last line, got %v", err)
			}
		})
	}
}

func TestLineReaderLongLineAcrossBuffer(t *testing.T) {
	// Longer than the bufio buffer but within the limit.
	big := strings.Repeat("q", 100*1024)
	lr := NewLineReader(strings.NewReader(big+"\n"), 0)
	line, err := lr.ReadLine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(line) != len(big) {
		t.Errorf("got %d bytes, want %d", len(line), len(big))
	}
}

func TestEncodeResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want string
	}{
		{
			name: "result with numeric id",
			resp: &Response{ID: json.RawMessage(`7`), Result: map[string]any{"ok": true}},
			want: `{"id":7,"result":{"ok":true}}`,
		},
		{
			name: "error with string id",
			resp: &Response{ID: json.RawMessage(`"abc"`), Error: newError(CodeMethodNotFound, "method not found", nil)},
			want: `{"id":"abc","error":{"code":-32601,"message":"method not found"}}`,
		},
		{
			name: "missing id becomes null",
			resp: &Response{Error: newError(CodeParseError, "parse error", nil)},
			want: `{"id":null,"error":{"code":-32700,"message":"parse error"}}`,
		},
		{
			name: "empty text part keeps its text field",
			resp: &Response{ID: json.RawMessage(`1`), Result: InvokeResult{Content: []ContentPart{TextPart("")}}},
			want: `{"id":1,"result":{"content":[{"type":"text","text":""}],"isError":false}}`,
		},
		{
			name: "json part",
			resp: &Response{ID: json.RawMessage(`1`), Result: InvokeResult{Content: []ContentPart{JSONPart(map[string]any{"n": 1})}, IsError: true}},
			want: `{"id":1,"result":{"content":[{"type":"application/json","json":{"n":1}}],"isError":true}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeResponse(tt.resp)
			if err != nil {
				t.Fatalf("EncodeResponse() error = %v", err)
			}
			if !bytes.HasSuffix(data, []byte("\n")) {
				t.Error("response must be newline terminated")
			}
			if got := strings.TrimSuffix(string(data), "\n"); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestEncodeResponseUnserializable(t *testing.T) {
	_, err := EncodeResponse(&Response{ID: json.RawMessage(`1`), Result: make(chan int)})
	if err == nil {
		t.Fatal("expected error for unserializable result")
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantErr   bool
		wantCode  int
		wantValue string
	}{
		{name: "result", line: `{"id":1,"result":{"value":"x"}}`, wantValue: "x"},
		{name: "error", line: `{"id":1,"error":{"code":-32001,"message":"capability not found"}}`, wantCode: CodeCapabilityNotFound},
		{name: "neither", line: `{"id":1}`, wantErr: true},
		{name: "garbage", line: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeResponse() error = %v", err)
			}

			var out struct {
				Value string `json:"value"`
			}
			err = DecodeResult(resp, &out)
			if tt.wantCode != 0 {
				var rpcErr *RPCError
				if !errors.As(err, &rpcErr) || rpcErr.Code != tt.wantCode {
					t.Fatalf("expected RPCError %d, got %v", tt.wantCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeResult() error = %v", err)
			}
			if out.Value != tt.wantValue {
				t.Errorf("value = %q, want %q", out.Value, tt.wantValue)
			}
		})
	}
}

func TestWrapContent(t *testing.T) {
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	tests := []struct {
		name     string
		in       any
		wantType string
		wantText string
		wantJSON string
	}{
		{name: "nil", in: nil, wantType: ContentText, wantText: ""},
		{name: "string", in: "hi", wantType: ContentText, wantText: "hi"},
		{name: "integral float", in: 10.0, wantType: ContentText, wantText: "10"},
		{name: "fractional float", in: 2.5, wantType: ContentText, wantText: "2.5"},
		{name: "int", in: 42, wantType: ContentText, wantText: "42"},
		{name: "bool", in: true, wantType: ContentText, wantText: "true"},
		{name: "map", in: map[string]any{"a": 1}, wantType: ContentJSON, wantJSON: `{"a":1}`},
		{name: "struct", in: point{1, 2}, wantType: ContentJSON, wantJSON: `{"x":1,"y":2}`},
		{name: "slice", in: []string{"a", "b"}, wantType: ContentJSON, wantJSON: `["a","b"]`},
		{name: "raw json", in: json.RawMessage(`{"k":"v"}`), wantType: ContentJSON, wantJSON: `{"k":"v"}`},
		{name: "part passthrough", in: TextPart("as-is"), wantType: ContentText, wantText: "as-is"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := WrapContent(tt.in)
			if err != nil {
				t.Fatalf("WrapContent() error = %v", err)
			}
			if len(parts) != 1 {
				t.Fatalf("got %d parts, want 1", len(parts))
			}
			p := parts[0]
			if p.Type != tt.wantType {
				t.Fatalf("type = %q, want %q", p.Type, tt.wantType)
			}
			if tt.wantType == ContentText && p.Text != tt.wantText {
				t.Errorf("text = %q, want %q", p.Text, tt.wantText)
			}
			if tt.wantType == ContentJSON {
				got, _ := json.Marshal(p.JSON)
				if string(got) != tt.wantJSON {
					t.Errorf("json = %s, want %s", got, tt.wantJSON)
				}
			}
		})
	}
}

func TestWrapContentRejectsUnserializable(t *testing.T) {
	if _, err := WrapContent(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := WrapContent(json.RawMessage(`{broken`)); err == nil {
		t.Fatal("expected error for invalid raw JSON")
	}
}
