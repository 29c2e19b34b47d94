// Package stdio serves the orchestration API over newline-delimited
// JSON: one tool call per request line, one response object per line.
// It is the adapter coordinator processes speak when they spawn the
// orchestrator as a child process.
//
// Requests carry a tool name, an args object and a caller-chosen id:
//
//	{"tool":"submit","args":{"workflow_ref":"conversion/v1","dataset_ref":"/data/rec-001","principal":"lab-alpha"},"id":"1"}
//
// Responses echo the id with either a result or an error:
//
//	{"id":"1","result":{"session_id":"..."}}
//	{"id":"1","error":{"kind":"unauthorized","message":"..."}}
//
// Tool names map 1:1 to the orchestration operations. subscribeEvents
// streams one response line per event with the subscribing request's id
// until the session reaches a terminal event or an unsubscribe call
// names the subscription. Run returns nil on stdin EOF so the process
// can exit 0 on graceful shutdown.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/nwbforge/orchestrator/transport"
	"github.com/nwbforge/orchestrator/workflow"
	"github.com/nwbforge/orchestrator/workflow/events"
)

// maxLineBytes bounds a single request line. Submitted metadata and
// provided input ride inside args, so the bound is generous.
const maxLineBytes = 4 * 1024 * 1024

type request struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
	ID   string          `json:"id"`
}

type response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *wireError `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ack struct {
	OK bool `json:"ok"`
}

// Server reads tool calls from one stream and writes responses to
// another. Handlers run concurrently; response lines are serialized.
type Server struct {
	orc    transport.Orchestrator
	logger *zap.Logger
	in     io.Reader
	out    io.Writer

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]context.CancelFunc

	wg sync.WaitGroup
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithStreams replaces stdin/stdout, for tests and embedding.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(s *Server) {
		s.in = in
		s.out = out
	}
}

// New creates a stdio server for the orchestrator.
func New(orc transport.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orc:    orc,
		logger: zap.NewNop(),
		in:     os.Stdin,
		out:    os.Stdout,
		subs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves requests until the input stream ends or ctx is cancelled.
// A nil return means graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sc := bufio.NewScanner(s.in)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError("", transport.BadRequest("malformed request line: %v", err))
			continue
		}
		if req.Tool == "unsubscribe" {
			s.unsubscribe(req)
			continue
		}
		s.wg.Add(1)
		go func(req request) {
			defer s.wg.Done()
			s.handle(ctx, req)
		}(req)
	}

	cancel()
	s.wg.Wait()
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read request stream: %w", err)
	}
	s.logger.Info("stdio transport stopped")
	return nil
}

func (s *Server) handle(ctx context.Context, req request) {
	s.logger.Debug("tool call", zap.String("tool", req.Tool), zap.String("id", req.ID))
	switch req.Tool {
	case "submit":
		var args workflow.SubmitRequest
		if !s.decodeArgs(req, &args) {
			return
		}
		id, err := s.orc.Submit(ctx, args)
		s.reply(req.ID, struct {
			SessionID string `json:"session_id"`
		}{id}, err)

	case "status":
		args, ok := s.sessionArgs(req)
		if !ok {
			return
		}
		snap, err := s.orc.Status(ctx, args.SessionID)
		s.reply(req.ID, snap, err)

	case "resume":
		args, ok := s.sessionArgs(req)
		if !ok {
			return
		}
		s.reply(req.ID, ack{OK: true}, s.orc.Resume(ctx, args.SessionID))

	case "cancel":
		args, ok := s.sessionArgs(req)
		if !ok {
			return
		}
		s.reply(req.ID, ack{OK: true}, s.orc.Cancel(ctx, args.SessionID))

	case "provideInput":
		var args struct {
			SessionID string          `json:"session_id"`
			Input     json.RawMessage `json:"input"`
		}
		if !s.decodeArgs(req, &args) {
			return
		}
		if args.SessionID == "" {
			s.writeError(req.ID, transport.BadRequest("session_id is required"))
			return
		}
		s.reply(req.ID, ack{OK: true}, s.orc.ProvideInput(ctx, args.SessionID, args.Input))

	case "validateStandalone":
		var args workflow.StandaloneValidation
		if !s.decodeArgs(req, &args) {
			return
		}
		report, err := s.orc.ValidateStandalone(ctx, args)
		s.reply(req.ID, report, err)

	case "listSessions":
		var args workflow.Filter
		if !s.decodeArgs(req, &args) {
			return
		}
		rows, err := s.orc.ListSessions(ctx, args)
		s.reply(req.ID, struct {
			Sessions []workflow.Summary `json:"sessions"`
		}{rows}, err)

	case "provenance":
		var args struct {
			SessionID string `json:"session_id"`
			Format    string `json:"format"`
		}
		if !s.decodeArgs(req, &args) {
			return
		}
		if args.SessionID == "" {
			s.writeError(req.ID, transport.BadRequest("session_id is required"))
			return
		}
		format := workflow.ProvFormat(args.Format)
		if format == "" {
			format = workflow.ProvTurtle
		}
		var buf bytes.Buffer
		if err := s.orc.WriteProvenance(ctx, args.SessionID, format, &buf); err != nil {
			s.writeError(req.ID, err)
			return
		}
		s.writeResult(req.ID, struct {
			Format   string `json:"format"`
			Document string `json:"document"`
		}{string(format), buf.String()})

	case "subscribeEvents":
		var args struct {
			SessionID string `json:"session_id"`
			From      uint64 `json:"from"`
		}
		if !s.decodeArgs(req, &args) {
			return
		}
		if args.SessionID == "" {
			s.writeError(req.ID, transport.BadRequest("session_id is required"))
			return
		}
		s.streamEvents(ctx, req.ID, args.SessionID, args.From)

	default:
		s.writeError(req.ID, workflow.Errf(workflow.KindNotFound, "unknown tool %q", req.Tool))
	}
}

// streamEvents writes one response line per event until a terminal
// event, an unsubscribe call, or shutdown.
func (s *Server) streamEvents(ctx context.Context, reqID, sessionID string, from uint64) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := s.orc.SubscribeEvents(ctx, sessionID, from)
	if err != nil {
		s.writeError(reqID, err)
		return
	}
	defer sub.Close()

	if reqID != "" {
		s.mu.Lock()
		s.subs[reqID] = cancel
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, reqID)
			s.mu.Unlock()
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				if err := sub.Err(); err != nil {
					s.writeError(reqID, err)
				}
				return
			}
			s.writeResult(reqID, struct {
				Event events.Event `json:"event"`
			}{e})
			if e.Kind == events.KindCompleted {
				return
			}
		}
	}
}

func (s *Server) unsubscribe(req request) {
	var args struct {
		ID string `json:"id"`
	}
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			s.writeError(req.ID, transport.BadRequest("invalid args for unsubscribe: %v", err))
			return
		}
	}
	if args.ID == "" {
		s.writeError(req.ID, transport.BadRequest("unsubscribe requires the subscription's request id"))
		return
	}
	s.mu.Lock()
	cancel, ok := s.subs[args.ID]
	s.mu.Unlock()
	if !ok {
		s.writeError(req.ID, workflow.Errf(workflow.KindNotFound, "no active subscription %q", args.ID))
		return
	}
	cancel()
	s.writeResult(req.ID, ack{OK: true})
}

func (s *Server) decodeArgs(req request, v any) bool {
	if len(req.Args) == 0 {
		s.writeError(req.ID, transport.BadRequest("missing args for %s", req.Tool))
		return false
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		s.writeError(req.ID, transport.BadRequest("invalid args for %s: %v", req.Tool, err))
		return false
	}
	return true
}

func (s *Server) sessionArgs(req request) (struct {
	SessionID string `json:"session_id"`
}, bool) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if !s.decodeArgs(req, &args) {
		return args, false
	}
	if args.SessionID == "" {
		s.writeError(req.ID, transport.BadRequest("session_id is required"))
		return args, false
	}
	return args, true
}

func (s *Server) reply(id string, result any, err error) {
	if err != nil {
		s.writeError(id, err)
		return
	}
	s.writeResult(id, result)
}

func (s *Server) writeResult(id string, result any) {
	s.writeLine(response{ID: id, Result: result})
}

func (s *Server) writeError(id string, err error) {
	we := transport.WireErrorFrom(err)
	s.writeLine(response{ID: id, Error: &wireError{Kind: we.Kind, Message: we.Message}})
}

func (s *Server) writeLine(resp response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err), zap.String("id", resp.ID))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(raw, '\n')); err != nil {
		s.logger.Error("failed to write response", zap.Error(err), zap.String("id", resp.ID))
	}
}
