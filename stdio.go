package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// StdIOServer serves a Server over newline delimited JSON on a reader and writer pair,
// typically stdin and stdout. It carries a single session, created by the first initialize
// request and closed when the input ends. Replies and pushed messages share the writer, so
// every message is queued and written by one goroutine.
type StdIOServer struct {
	server *Server
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	handlers      sync.WaitGroup
	done          chan struct{}
	doneOnce      sync.Once

	mu        sync.Mutex
	sessionID string
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

type stdIOLine struct {
	line string
	err  error
}

// NewStdIOServer creates a stdio transport serving srv.
func NewStdIOServer(srv *Server, reader io.Reader, writer io.Writer) *StdIOServer {
	return &StdIOServer{
		server:        srv,
		reader:        reader,
		writer:        writer,
		logger:        srv.logger.With(slog.String("component", "stdio")),
		writeMessages: make(chan stdIOMessage),
		done:          make(chan struct{}),
	}
}

// SessionID returns the id of the session, empty before the first initialize request.
func (s *StdIOServer) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Serve reads messages until the input ends or ctx is done, then closes the session.
func (s *StdIOServer) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	lines := make(chan stdIOLine)
	g.Go(func() error {
		s.processWriteMessages()
		return nil
	})
	go s.readLines(lines)

	g.Go(func() error {
		defer s.stop()
		defer s.drain()
		return s.processLines(ctx, g, lines)
	})

	err := g.Wait()

	if id := s.SessionID(); id != "" {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.server.sendTimeout)
		defer cancel()
		if _, _, cerr := s.server.sessions.close(closeCtx, id); cerr != nil {
			s.logger.Warn("failed to close session", slog.String("sessionID", id), slog.String("err", cerr.Error()))
		}
	}
	return err
}

func (s *StdIOServer) processLines(ctx context.Context, g *errgroup.Group, lines <-chan stdIOLine) error {
	for {
		var l stdIOLine
		select {
		case <-ctx.Done():
			return nil
		case l = <-lines:
		}

		if l.err != nil {
			if errors.Is(l.err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", l.err)
		}
		if l.line == "" {
			continue
		}

		msgs, batch, err := ParseMessages([]byte(l.line))
		if err != nil {
			s.write(ctx, NewErrorResponse(nil, asJSONRPCError(err)))
			continue
		}

		sessionID := s.SessionID()
		state, created, err := s.server.openSession(ctx, sessionID, msgs)
		if err != nil {
			s.rejectRequests(ctx, msgs, batch, asJSONRPCError(err))
			continue
		}
		if created {
			s.mu.Lock()
			s.sessionID = state.ID
			s.mu.Unlock()

			events, unsubscribe := s.server.broker.Subscribe(state.ID)
			g.Go(func() error {
				defer unsubscribe()
				s.forwardEvents(ctx, events)
				return nil
			})
		}

		if !concurrent(msgs) {
			s.handle(ctx, state.ID, msgs, batch)
			continue
		}
		// Requests may wait on the client, whose answers arrive on later lines.
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handle(ctx, state.ID, msgs, batch)
		}()
	}
}

// drain lets running requests write their replies once the input has ended. Requests
// waiting on the client give up, since no answer can arrive anymore.
func (s *StdIOServer) drain() {
	if id := s.SessionID(); id != "" {
		s.server.pending.dropSession(id)
	}
	s.handlers.Wait()
}

func (s *StdIOServer) handle(ctx context.Context, sessionID string, msgs []JSONRPCMessage, batch bool) {
	replies := s.server.handleMessages(ctx, sessionID, msgs)
	switch {
	case len(replies) == 0:
	case batch:
		s.write(ctx, replies)
	default:
		s.write(ctx, replies[0])
	}
}

// concurrent reports whether msgs can be handled off the read loop: they carry requests,
// and none of them is the handshake, which must finish before the next line is read.
func concurrent(msgs []JSONRPCMessage) bool {
	requests := false
	for _, msg := range msgs {
		if msg.Method == MethodInitialize {
			return false
		}
		if msg.Type() == MessageTypeRequest {
			requests = true
		}
	}
	return requests
}

func (s *StdIOServer) rejectRequests(ctx context.Context, msgs []JSONRPCMessage, batch bool, rpcErr JSONRPCError) {
	var replies []Response
	for _, msg := range msgs {
		if msg.Type() == MessageTypeRequest {
			replies = append(replies, NewErrorResponse(msg.ID, rpcErr))
		}
	}
	switch {
	case len(replies) == 0:
	case batch:
		s.write(ctx, replies)
	default:
		s.write(ctx, replies[0])
	}
}

func (s *StdIOServer) forwardEvents(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.send(ctx, ev.Data); err != nil {
				s.logger.Warn("failed to write event",
					slog.Int64("lastEventID", ev.ID), slog.String("err", err.Error()))
				return
			}
		}
	}
}

func (s *StdIOServer) write(ctx context.Context, v any) {
	msgBs, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal message", slog.String("err", err.Error()))
		return
	}
	if err := s.send(ctx, msgBs); err != nil {
		s.logger.Warn("failed to write message", slog.String("err", err.Error()))
	}
}

func (s *StdIOServer) send(ctx context.Context, msgBs []byte) error {
	// Append newline to maintain message framing protocol
	line := make([]byte, 0, len(msgBs)+1)
	line = append(append(line, msgBs...), '\n')

	ioMsg := stdIOMessage{
		msg:  line,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *StdIOServer) readLines(lines chan<- stdIOLine) {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && line != "" && errors.Is(err, io.EOF) {
			// Last line without a trailing newline.
			err = nil
		}
		l := stdIOLine{line: strings.TrimSpace(line), err: err}
		select {
		case <-s.done:
			return
		case lines <- l:
		}
		if err != nil {
			return
		}
	}
}

func (s *StdIOServer) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *StdIOServer) processWriteMessages() {
	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}
