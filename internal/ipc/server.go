package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/breeze-rmm/capture-agent/internal/engine"
	"github.com/breeze-rmm/capture-agent/internal/health"
	"github.com/breeze-rmm/capture-agent/internal/notify"
)

// EngineControl is the slice of the engine the tray socket needs.
type EngineControl interface {
	Send(cmd engine.Command) bool
	Inject(action notify.Action)
	Subscribe() <-chan engine.Status
	Unsubscribe(ch <-chan engine.Status)
	LastStatus() (engine.Status, bool)
	Health() *health.Monitor
}

// Server accepts tray/UI connections, injects their commands into the
// engine, and streams the engine's status broadcast back.
type Server struct {
	listener net.Listener
	engine   EngineControl

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Listen opens the socket. An existing stale socket file is removed first.
func Listen(socketPath string, eng EngineControl) (*Server, error) {
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
		engine:   eng,
		conns:    make(map[*Conn]struct{}),
	}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("accept failed", "error", err)
			continue
		}

		conn := NewConn(raw)
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	log.Debug("tray connected", "remote", conn.RemoteAddr())

	// Stream status updates until the connection dies.
	statusCh := s.engine.Subscribe()
	defer s.engine.Unsubscribe(statusCh)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case status, ok := <-statusCh:
				if !ok {
					return
				}
				payload, err := json.Marshal(status)
				if err != nil {
					continue
				}
				env := &Envelope{
					ID:      uuid.NewString(),
					Type:    TypeStatus,
					Payload: payload,
				}
				if err := conn.Send(env); err != nil {
					return
				}
			}
		}
	}()

	for {
		env, err := conn.Recv()
		if err != nil {
			log.Debug("tray disconnected", "error", err)
			return
		}
		s.handleEnvelope(conn, env)
	}
}

func (s *Server) handleEnvelope(conn *Conn, env *Envelope) {
	switch env.Type {
	case TypePing:
		s.reply(conn, env, TypePong, nil)

	case TypeCommand:
		var payload CommandPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.replyError(conn, env, "malformed command payload")
			return
		}
		cmd, ok := parseCommand(payload)
		if !ok {
			s.replyError(conn, env, "unknown command "+payload.Command)
			return
		}
		accepted := s.engine.Send(cmd)
		s.reply(conn, env, TypeCommandResult, CommandResultPayload{Accepted: accepted})

	case TypeNotifyAction:
		var payload NotifyActionPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.replyError(conn, env, "malformed action payload")
			return
		}
		action := notify.Action{Kind: notify.ActionDismissed}
		if payload.Action == "switch_to_display" {
			action = notify.Action{Kind: notify.ActionSwitchToDisplay, DisplayID: payload.DisplayID}
		}
		s.engine.Inject(action)

	case TypeStatusRequest:
		checks, err := json.Marshal(s.engine.Health().All())
		if err != nil {
			checks = nil
		}
		result := StatusResultPayload{Health: checks}
		if last, ok := s.engine.LastStatus(); ok {
			if status, err := json.Marshal(last); err == nil {
				result.Status = status
			}
		}
		s.reply(conn, env, TypeStatusResult, result)

	default:
		log.Warn("unknown ipc message type", "type", env.Type)
	}
}

func parseCommand(payload CommandPayload) (engine.Command, bool) {
	switch payload.Command {
	case "start_recording":
		return engine.Command{Kind: engine.CmdStartRecording}, true
	case "stop_recording":
		return engine.Command{Kind: engine.CmdStopRecording}, true
	case "pause_recording":
		return engine.Command{Kind: engine.CmdPauseRecording}, true
	case "resume_recording":
		return engine.Command{Kind: engine.CmdResumeRecording}, true
	case "set_capture_enabled":
		return engine.Command{Kind: engine.CmdSetCaptureEnabled, Enabled: payload.Enabled}, true
	case "switch_to_display":
		return engine.Command{Kind: engine.CmdSwitchToDisplay, DisplayID: payload.DisplayID}, true
	case "refresh_sources":
		return engine.Command{Kind: engine.CmdRefreshSources}, true
	case "shutdown":
		return engine.Command{Kind: engine.CmdShutdown}, true
	default:
		return engine.Command{}, false
	}
}

func (s *Server) reply(conn *Conn, req *Envelope, msgType string, payload any) {
	env := &Envelope{
		ID:   req.ID,
		Type: msgType,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Warn("cannot marshal reply payload", "type", msgType, "error", err)
			return
		}
		env.Payload = data
	}
	if err := conn.Send(env); err != nil {
		log.Debug("cannot send reply", "type", msgType, "error", err)
	}
}

func (s *Server) replyError(conn *Conn, req *Envelope, msg string) {
	env := &Envelope{
		ID:    req.ID,
		Type:  TypeCommandResult,
		Error: msg,
	}
	if err := conn.Send(env); err != nil {
		log.Debug("cannot send error reply", "error", err)
	}
}
