// Package protocol implements the line-delimited JSON request/response server
// through which callers discover and invoke named capabilities.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/mattjoyce/toolgate/internal/capability"
	"github.com/mattjoyce/toolgate/internal/ledger"
	"github.com/mattjoyce/toolgate/internal/log"
	"github.com/mattjoyce/toolgate/internal/queue"
)

// DefaultInvokeTimeout bounds a single invoke_capability call.
const DefaultInvokeTimeout = 60 * time.Second

// Options configure a Server.
type Options struct {
	Name          string
	Version       string
	Features      map[string]any
	InvokeTimeout time.Duration
	MaxLineBytes  int
}

// Server answers protocol requests against a capability registry. One Server
// may back many sessions.
type Server struct {
	registry    *capability.Registry
	ledger      *ledger.Ledger
	opts        Options
	constraints *semver.Constraints
	version     *semver.Version
	logger      *slog.Logger
}

// NewServer creates a Server. led may be nil.
func NewServer(reg *capability.Registry, led *ledger.Ledger, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "toolgate"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}
	if opts.Features == nil {
		opts.Features = map[string]any{}
	}
	return &Server{
		registry:    reg,
		ledger:      led,
		opts:        opts,
		constraints: mustConstraint("^" + Version),
		version:     semver.MustParse(Version),
		logger:      log.WithComponent("protocol"),
	}
}

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// SessionState is the initialization state of a session.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateInitialized   SessionState = "initialized"
)

// Session is one caller's conversation. initialize must be the first accepted
// request and may only be sent once.
type Session struct {
	srv *Server

	mu       sync.Mutex
	state    SessionState
	client   PeerInfo
	features map[string]any
}

func (s *Server) NewSession() *Session {
	return &Session{srv: s, state: StateUninitialized}
}

func (sess *Session) State() SessionState {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

// Client returns the identity and feature flags the caller sent in initialize.
func (sess *Session) Client() (PeerInfo, map[string]any) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.client, sess.features
}

// Serve reads requests from r and writes responses to w until r is exhausted
// or ctx is done. Requests are handled one at a time in arrival order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	sess := s.NewSession()
	out := NewResponseWriter(w)
	lr := NewLineReader(r, s.opts.MaxLineBytes)

	type lineOrErr struct {
		line []byte
		err  error
	}
	lines := make(chan lineOrErr)
	go func() {
		defer close(lines)
		for {
			line, err := lr.ReadLine()
			select {
			case lines <- lineOrErr{line, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, ErrLineTooLong) {
				return
			}
		}
	}()

	s.logger.Info("protocol session started")
	defer s.logger.Info("protocol session ended")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-lines:
			if !ok {
				return ctx.Err()
			}
			var resp *Response
			switch {
			case errors.Is(next.err, ErrLineTooLong):
				resp = &Response{Error: newError(CodeParseError, "parse error", map[string]any{"reason": next.err.Error()})}
			case errors.Is(next.err, io.EOF):
				return nil
			case next.err != nil:
				return next.err
			case len(bytes.TrimSpace(next.line)) == 0:
				continue
			default:
				resp = sess.Handle(ctx, next.line)
			}
			if err := out.Write(resp); err != nil {
				return err
			}
		}
	}
}

// Handle processes one request line and returns its response. It never panics
// and always returns a response.
func (sess *Session) Handle(ctx context.Context, line []byte) *Response {
	if !json.Valid(line) {
		return &Response{Error: newError(CodeParseError, "parse error", nil)}
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		// Echo the id when only another field is malformed.
		var envelope struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(line, &envelope)
		if string(envelope.ID) == "null" {
			envelope.ID = nil
		}
		return &Response{ID: envelope.ID, Error: newError(CodeInvalidRequest, "invalid request", map[string]any{"reason": err.Error()})}
	}
	if len(req.ID) == 0 || string(req.ID) == "null" {
		return &Response{Error: newError(CodeInvalidRequest, "invalid request", map[string]any{"reason": "missing id"})}
	}
	if req.Method == "" {
		return &Response{ID: req.ID, Error: newError(CodeInvalidRequest, "invalid request", map[string]any{"reason": "missing method"})}
	}
	if !req.Method.Valid() {
		return &Response{ID: req.ID, Error: newError(CodeMethodNotFound, "method not found", map[string]any{"method": req.Method})}
	}

	result, rpcErr := sess.route(ctx, &req)
	if rpcErr != nil {
		return &Response{ID: req.ID, Error: rpcErr}
	}
	return &Response{ID: req.ID, Result: result}
}

func (sess *Session) route(ctx context.Context, req *Request) (any, *RPCError) {
	if req.Method == MethodInitialize {
		return sess.initialize(req.Params)
	}
	if sess.State() != StateInitialized {
		return nil, newError(CodeNotInitialized, "not initialized", map[string]any{"method": req.Method})
	}

	switch req.Method {
	case MethodListCapabilities:
		return sess.srv.ListCapabilities(), nil
	case MethodInvokeCapability:
		var p InvokeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, newError(CodeInvalidParams, "invalid params", map[string]any{"reason": err.Error()})
		}
		if p.Name == "" {
			return nil, newError(CodeInvalidParams, "invalid params", map[string]any{"field": "name", "reason": "required parameter is missing"})
		}
		return sess.srv.Invoke(ctx, p.Name, p.Arguments)
	}
	return nil, newError(CodeMethodNotFound, "method not found", map[string]any{"method": req.Method})
}

func (sess *Session) initialize(raw json.RawMessage) (any, *RPCError) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateInitialized {
		return nil, newError(CodeInvalidRequest, "session already initialized", nil)
	}

	var p InitializeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, newError(CodeInvalidParams, "invalid params", map[string]any{"reason": err.Error()})
	}
	if err := sess.srv.negotiate(p.ProtocolVersion); err != nil {
		return nil, newError(CodeInvalidParams, "unsupported protocol version", map[string]any{
			"field":     "protocolVersion",
			"reason":    err.Error(),
			"supported": Version,
		})
	}

	sess.state = StateInitialized
	sess.client = p.ClientInfo
	sess.features = p.Features
	sess.srv.logger.Info("session initialized", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version, "features", p.Features)

	return InitializeResult{
		ProtocolVersion: Version,
		Features:        sess.srv.opts.Features,
		ServerInfo:      PeerInfo{Name: sess.srv.opts.Name, Version: sess.srv.opts.Version},
	}, nil
}

// negotiate accepts an empty version (meaning "whatever you speak"), a version
// in the server's major line, or a constraint the server's version satisfies.
func (s *Server) negotiate(requested string) error {
	if requested == "" {
		return nil
	}
	if v, err := semver.NewVersion(requested); err == nil {
		if !s.constraints.Check(v) {
			return fmt.Errorf("version %s is not compatible with %s", requested, Version)
		}
		return nil
	}
	c, err := semver.NewConstraint(requested)
	if err != nil {
		return fmt.Errorf("malformed version %q", requested)
	}
	if !c.Check(s.version) {
		return fmt.Errorf("server version %s does not satisfy %s", Version, requested)
	}
	return nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// ListCapabilities returns the catalog in wire form, sorted by name.
func (s *Server) ListCapabilities() []CapabilityInfo {
	descs := s.registry.List()
	out := make([]CapabilityInfo, 0, len(descs))
	for _, d := range descs {
		out = append(out, CapabilityInfo{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema()})
	}
	return out
}

type invokeOutcome struct {
	value    any
	err      error
	panicked any
	stack    []byte
}

// Invoke runs one capability: lookup, validation, execution under the
// configured timeout, then result wrapping. Lookup and validation failures
// are returned as RPC errors; everything after that is an InvokeResult.
func (s *Server) Invoke(ctx context.Context, name string, args map[string]any) (*InvokeResult, *RPCError) {
	start := time.Now()
	logger := log.WithCapability(name)
	rec := ledger.Record{Name: name, Source: ledger.SourceProtocol, Args: snapshot(args)}

	desc, handler, ok := s.registry.Lookup(name)
	if !ok {
		s.record(rec, start, queue.KindNotFound, "capability not found")
		return nil, newError(CodeCapabilityNotFound, "capability not found", map[string]any{"name": name})
	}

	valid, err := capability.Validate(desc, normalizeNumbers(args))
	if err != nil {
		var verr *capability.ValidationError
		if errors.As(err, &verr) {
			s.record(rec, start, queue.KindValidation, verr.Error())
			return nil, newError(CodeInvalidParams, "invalid arguments", verr)
		}
		s.record(rec, start, queue.KindValidation, err.Error())
		return nil, newError(CodeInvalidParams, "invalid arguments", map[string]any{"reason": err.Error()})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.InvokeTimeout)
	defer cancel()

	ch := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- invokeOutcome{panicked: p, stack: debug.Stack()}
			}
		}()
		v, err := handler.Invoke(callCtx, valid)
		ch <- invokeOutcome{value: v, err: err}
	}()

	var o invokeOutcome
	select {
	case o = <-ch:
	case <-callCtx.Done():
		incident := uuid.NewString()
		msg := fmt.Sprintf("capability timed out after %v", s.opts.InvokeTimeout)
		if !errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			msg = "capability call cancelled"
		}
		logger.Warn(msg, "incident", incident)
		s.record(rec, start, queue.KindTimeout, msg)
		return failure(msg, incident), nil
	}

	var appErr *capability.ApplicationError
	switch {
	case o.panicked != nil:
		incident := uuid.NewString()
		logger.Error("capability panicked", "incident", incident, "panic", fmt.Sprint(o.panicked), "stack", string(o.stack))
		s.record(rec, start, queue.KindHandlerFailure, fmt.Sprintf("panic: %v", o.panicked))
		return failure("capability execution failed", incident), nil

	case errors.As(o.err, &appErr):
		content, werr := WrapContent(appErr.Body())
		if werr != nil {
			content = []ContentPart{TextPart(appErr.Message)}
		}
		s.record(rec, start, queue.KindHandlerFailure, appErr.Message)
		return &InvokeResult{Content: content, IsError: true}, nil

	case o.err != nil:
		incident := uuid.NewString()
		kind := queue.KindHandlerFailure
		if errors.Is(o.err, context.DeadlineExceeded) {
			kind = queue.KindTimeout
		}
		logger.Error("capability failed", "incident", incident, "error", o.err)
		s.record(rec, start, kind, o.err.Error())
		return failure("capability execution failed", incident), nil
	}

	content, err := WrapContent(o.value)
	if err != nil {
		incident := uuid.NewString()
		logger.Error("capability result could not be encoded", "incident", incident, "error", err)
		s.record(rec, start, queue.KindHandlerFailure, err.Error())
		return failure("capability execution failed", incident), nil
	}
	s.record(rec, start, queue.KindNone, "")
	return &InvokeResult{Content: content}, nil
}

func failure(msg, incident string) *InvokeResult {
	return &InvokeResult{
		Content: []ContentPart{JSONPart(FailureDetail{Message: msg, Detail: incident})},
		IsError: true,
	}
}

func (s *Server) record(rec ledger.Record, start time.Time, kind queue.ErrorKind, msg string) {
	if s.ledger == nil {
		return
	}
	rec.Duration = time.Since(start)
	rec.Success = kind == queue.KindNone
	rec.ErrorKind = kind
	rec.Error = msg
	s.ledger.Append(rec)
}

func snapshot(args map[string]any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// normalizeNumbers converts top-level json.Number values (from UseNumber
// decoding) into int64 when integral and float64 otherwise.
func normalizeNumbers(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = normalizeNumber(v)
	}
	return out
}

func normalizeNumber(v any) any {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case map[string]any:
		return normalizeNumbers(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalizeNumber(e)
		}
		return out
	}
	return v
}
