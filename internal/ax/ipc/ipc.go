// Package ipc implements the IPC server (C9): a length-prefixed,
// schema-validated Unix-domain-socket request/response dispatcher from
// sandboxed agents back to the host.
//
// Grounded on the teacher's internal/gitai/control.Server and its
// Handlers-struct-of-callbacks dispatch idiom, re-platformed from an
// HTTP/TCP listener onto a framed Unix socket per the wire format this
// spec requires, and from a fixed endpoint set onto a schema-keyed action
// registry (C1).
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/ax-host/ax/common/trace"
	"github.com/ax-host/ax/internal/ax/schema"
)

// maxFrameSize bounds a single request frame so a misbehaving or hostile
// peer cannot force an unbounded allocation.
const maxFrameSize = 4 << 20 // 4 MiB, matching the upstream proxy's body cap

// HandlerFunc processes one validated action and returns the fields to
// place under the {ok:true, ...} envelope.
type HandlerFunc func(dc schema.DispatchContext, fields map[string]any) (map[string]any, error)

// Server is the IPC dispatcher bound to a Unix domain socket.
type Server struct {
	socketPath string
	registry   *schema.Registry
	handlers   map[string]HandlerFunc
	logger     *slog.Logger

	listener net.Listener
}

// New returns a Server that will listen on socketPath once Start is
// called. handlers maps action name to its callback; an action present in
// the schema registry but absent from handlers fails dispatch with
// "handler not implemented".
func New(socketPath string, registry *schema.Registry, handlers map[string]HandlerFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		handlers:   handlers,
		logger:     logger.With("component", "ipc"),
	}
}

// Start removes any stale socket file, binds, and begins accepting
// connections in the background. It returns once the listener is bound.
func (s *Server) Start() error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.socketPath, err)
	}
	s.listener = ln
	s.logger.Info("ipc server listening", "socket", s.socketPath)

	go s.acceptLoop()
	return nil
}

// Stop closes the listener. In-flight connections are allowed to finish
// their current frame.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("ipc accept", "error", err)
			return
		}
		go s.serveConn(conn)
	}
}

// serveConn processes request/response pairs serially on one connection
// until the peer closes it or sends a malformed frame.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("ipc frame read", "error", err)
			}
			return
		}

		resp := s.dispatch(req)
		payload, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("ipc marshal response", "error", err)
			return
		}
		if err := writeFrame(conn, payload); err != nil {
			s.logger.Debug("ipc frame write", "error", err)
			return
		}
	}
}

// dispatch implements spec 4.8's four processing steps for one request.
func (s *Server) dispatch(raw []byte) map[string]any {
	fields, action, err := s.registry.Validate(raw)
	if err != nil {
		if errors.Is(err, schema.ErrUnknownAction) {
			return errResponse(err.Error())
		}
		var ve *schema.ErrValidation
		if errors.As(err, &ve) {
			return errResponse(err.Error())
		}
		return errResponse("Invalid JSON")
	}

	handler, ok := s.handlers[action]
	if !ok {
		return errResponse(fmt.Sprintf("handler not implemented: %s", action))
	}

	traceID := trace.GenerateID()
	dc := schema.DispatchContext{
		Context:   trace.WithTraceID(context.Background(), traceID),
		SessionID: stringField(fields, "sessionId"),
	}

	result, err := handler(dc, fields)
	if err != nil {
		s.logger.Warn("ipc handler failed", "action", action, "trace", traceID, "error", err)
		return errResponse(err.Error())
	}
	out := map[string]any{"ok": true}
	for k, v := range result {
		out[k] = v
	}
	return out
}

func errResponse(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

// readFrame reads one 4-byte-big-endian-length-prefixed JSON payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame size %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes payload with its 4-byte big-endian length prefix.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
