package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes bounds a single inbound request line.
const MaxLineBytes = 4 << 20

// ErrLineTooLong is returned for a line longer than the reader's limit. The
// line is consumed so the next call starts on the following line.
var ErrLineTooLong = errors.New("request line too long")

// LineReader splits a stream into newline-delimited lines.
type LineReader struct {
	br  *bufio.Reader
	max int
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxLineBytes
	}
	return &LineReader{br: bufio.NewReaderSize(r, 64*1024), max: max}
}

// ReadLine returns the next line without its terminator. A final line without
// a trailing newline is returned before io.EOF.
func (lr *LineReader) ReadLine() ([]byte, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := lr.br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > lr.max+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, ErrLineTooLong
			}
			if len(line) > 0 {
				return bytes.TrimRight(line, "\r\n"), nil
			}
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("read request line: %w", err)
		}
	}
}

// ResponseWriter writes one JSON response per line. It is safe for concurrent use.
type ResponseWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewResponseWriter(w io.Writer) *ResponseWriter {
	return &ResponseWriter{w: w}
}

func (rw *ResponseWriter) Write(resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if _, err := rw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// EncodeResponse renders resp as a single newline-terminated JSON line.
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeResponse parses one response line. It is the client side of the codec.
func DecodeResponse(line []byte) (*Response, error) {
	var raw struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if raw.Error == nil && raw.Result == nil {
		return nil, fmt.Errorf("response has neither result nor error")
	}
	resp := &Response{ID: raw.ID, Error: raw.Error}
	if raw.Result != nil {
		resp.Result = raw.Result
	}
	return resp, nil
}

// DecodeResult unmarshals the raw result of a response produced by DecodeResponse into v.
func DecodeResult(resp *Response, v any) error {
	if resp.Error != nil {
		return resp.Error
	}
	raw, ok := resp.Result.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(resp.Result)
		if err != nil {
			return fmt.Errorf("failed to re-encode result: %w", err)
		}
		raw = data
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
