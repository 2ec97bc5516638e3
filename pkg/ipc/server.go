package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/shortlinker/shortlinker/pkg/backup"
	"github.com/shortlinker/shortlinker/pkg/config"
	"github.com/shortlinker/shortlinker/pkg/database"
	"github.com/shortlinker/shortlinker/pkg/helper"
	"github.com/shortlinker/shortlinker/pkg/link"
	"github.com/shortlinker/shortlinker/pkg/reload"
)

const (
	// opTimeout bounds one operation, imports and exports included.
	opTimeout = 30 * time.Second

	// exportChunkRecords is how many CSV records ride in one export
	// frame.
	exportChunkRecords = 500
)

// Config wires a Server to the daemon's components.
type Config struct {
	DataPath string

	Links    *link.Service
	Store    *config.Store
	Handle   *config.Handle
	Reloader *reload.Coordinator
	Backup   *backup.Runner
	Clock    clockwork.Clock
	Version  string

	// Shutdown asks the daemon to exit. It runs once, after the
	// response to a shutdown request has been written.
	Shutdown func()
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Server answers control requests on the unix socket. One goroutine
// serves each connection, one request per frame, responses in order.
type Server struct {
	cfg       Config
	socket    string
	handlers  map[string]handlerFunc
	startedAt time.Time

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	conns    map[net.Conn]struct{}

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New returns an unstarted Server. A nil clock falls back to the wall
// clock.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		cfg:       cfg,
		socket:    SocketPath(cfg.DataPath),
		startedAt: cfg.Clock.Now(),
		conns:     make(map[net.Conn]struct{}),
	}

	s.handlers = map[string]handlerFunc{
		OpPing:          s.handlePing,
		OpReload:        s.handleReload,
		OpStats:         s.handleStats,
		OpBackupRun:     s.handleBackupRun,
		OpLinkCreate:    s.handleLinkCreate,
		OpLinkGet:       s.handleLinkGet,
		OpLinkUpdate:    s.handleLinkUpdate,
		OpLinkDelete:    s.handleLinkDelete,
		OpLinkList:      s.handleLinkList,
		OpLinkImport:    s.handleLinkImport,
		OpConfigGet:     s.handleConfigGet,
		OpConfigSet:     s.handleConfigSet,
		OpConfigReset:   s.handleConfigReset,
		OpConfigList:    s.handleConfigList,
		OpConfigHistory: s.handleConfigHistory,
	}

	return s
}

// Listen binds the control socket, restricted to the owner. A leftover
// socket file is replaced: the pid file, not the socket, guards
// single-daemon operation.
func (s *Server) Listen() error {
	if err := os.Remove(s.socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing the old control socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("error binding the control socket: %w", err)
	}

	if err := os.Chmod(s.socket, 0o600); err != nil {
		_ = ln.Close()

		return fmt.Errorf("error restricting the control socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	return nil
}

// Serve accepts connections until Close is called. The context carries
// the logger and is the base for per-operation deadlines.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln == nil {
		return errors.New("control socket is not listening")
	}

	zerolog.Ctx(ctx).Info().Str("socket", s.socket).Msg("control socket listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("error accepting a control connection: %w", err)
		}

		if !s.track(conn) {
			_ = conn.Close()

			return nil
		}

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)

			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes live connections, waits for in-flight
// handlers and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))

	for c := range s.conns {
		conns = append(conns, c)
	}

	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	for _, c := range conns {
		_ = c.Close()
	}

	s.wg.Wait()

	if rmErr := os.Remove(s.socket); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}

	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.conns[conn] = struct{}{}

	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		var req Request

		if err := readFrame(conn, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
				errors.Is(err, net.ErrClosed) {
				return
			}

			// Malformed frame: answer once, then drop the connection;
			// the framing is out of sync so nothing after it can be
			// trusted.
			zerolog.Ctx(ctx).Warn().Err(err).Msg("malformed control frame")

			_ = writeFrame(conn, &Response{
				ID:    req.ID,
				Error: &WireError{Code: CodeValidation, Message: err.Error()},
			})

			return
		}

		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		err := s.dispatch(opCtx, conn, &req)

		cancel()

		if err != nil || req.Op == OpShutdown {
			return
		}
	}
}

// dispatch answers one request. The returned error means the
// connection is unusable and its loop should end.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, req *Request) error {
	switch req.Op {
	case OpShutdown:
		return s.handleShutdown(ctx, conn, req)
	case OpLinkExport:
		return s.streamExport(ctx, conn, req)
	default:
	}

	handler, ok := s.handlers[req.Op]
	if !ok {
		return writeFrame(conn, &Response{
			ID:    req.ID,
			Error: &WireError{Code: CodeValidation, Message: fmt.Sprintf("unknown operation %q", req.Op)},
		})
	}

	log := zerolog.Ctx(ctx)
	start := s.cfg.Clock.Now()

	data, err := handler(ctx, req.Args)
	took := s.cfg.Clock.Since(start)

	if err != nil {
		werr := wireError(err)

		if werr.Code == CodeInternal {
			log.Error().Err(err).Str("op", req.Op).Msg("error handling a control request")
		} else {
			log.Debug().
				Str("op", req.Op).
				Str("error-code", werr.Code).
				Dur("took", took).
				Msg("control request failed")
		}

		resp := &Response{ID: req.ID, Error: werr}

		// An aborted import still reports its row errors.
		if data != nil {
			if payload, merr := json.Marshal(data); merr == nil {
				resp.Data = payload
			}
		}

		return writeFrame(conn, resp)
	}

	log.Debug().Str("op", req.Op).Dur("took", took).Msg("control request handled")

	resp := &Response{ID: req.ID, OK: true}

	if data != nil {
		payload, merr := json.Marshal(data)
		if merr != nil {
			return writeFrame(conn, &Response{
				ID:    req.ID,
				Error: &WireError{Code: CodeInternal, Message: "error marshaling the response"},
			})
		}

		resp.Data = payload
	}

	return writeFrame(conn, resp)
}

// handleShutdown acknowledges first and stops after: the requesting
// client deserves its response frame before the listener goes away.
func (s *Server) handleShutdown(ctx context.Context, conn net.Conn, req *Request) error {
	err := writeFrame(conn, &Response{ID: req.ID, OK: true})

	zerolog.Ctx(ctx).Info().Msg("shutdown requested over the control socket")

	if s.cfg.Shutdown != nil {
		s.shutdownOnce.Do(s.cfg.Shutdown)
	}

	return err
}

// streamExport sends the full link dump as a sequence of chunk frames
// with More set, then one final frame without it. A storage failure
// mid-stream turns into a terminal error frame so the client knows the
// dump is incomplete.
func (s *Server) streamExport(ctx context.Context, conn net.Conn, req *Request) error {
	records := make([][]string, 0, exportChunkRecords)

	flush := func(more bool) error {
		data, err := json.Marshal(ExportChunk{Records: records})
		if err != nil {
			return fmt.Errorf("error marshaling an export chunk: %w", err)
		}

		return writeFrame(conn, &Response{ID: req.ID, OK: true, Data: data, More: more})
	}

	err := s.cfg.Links.ExportStream(ctx, func(l *database.ShortLink) error {
		records = append(records, link.CSVRecord(l))

		if len(records) == exportChunkRecords {
			if err := flush(true); err != nil {
				return err
			}

			records = records[:0]
		}

		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error streaming the export")

		return writeFrame(conn, &Response{ID: req.ID, Error: wireError(err)})
	}

	return flush(false)
}

// errBadArgs wraps argument decode and parse failures so they classify
// as validation errors instead of internal ones.
var errBadArgs = errors.New("invalid arguments")

// wireError maps service errors onto stable wire codes, mirroring the
// HTTP error classifier.
//
//nolint:cyclop
func wireError(err error) *WireError {
	switch {
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, config.ErrUnknownKey):
		return &WireError{Code: CodeNotFound, Message: err.Error()}

	case errors.Is(err, database.ErrCodeExists),
		errors.Is(err, link.ErrNoFreeCode):
		return &WireError{Code: CodeConflict, Message: err.Error()}

	case errors.Is(err, reload.ErrReloadBusy),
		errors.Is(err, backup.ErrBackupBusy):
		return &WireError{Code: CodeBusy, Message: err.Error()}

	case errors.Is(err, database.ErrInvalidCode),
		errors.Is(err, link.ErrInvalidTarget),
		errors.Is(err, link.ErrTargetDenied),
		errors.Is(err, link.ErrImportAborted),
		errors.Is(err, helper.ErrExpiryFormat),
		errors.Is(err, helper.ErrExpiryInPast),
		errors.Is(err, config.ErrInvalidValue),
		errors.Is(err, backup.ErrNoDestination),
		errors.Is(err, errBadArgs):
		return &WireError{Code: CodeValidation, Message: err.Error()}

	case database.IsTransientError(err):
		return &WireError{Code: CodeStorage, Message: err.Error()}

	default:
		return &WireError{Code: CodeInternal, Message: err.Error()}
	}
}
