package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"lockbox/internal/daemon"
	"lockbox/internal/lockbox"
	"lockbox/internal/logging"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: serverCtx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file. Connections still
// open are closed by their clients; Close waits for them.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) state() string {
	return s.daemon.Status(s.ctx).Lockbox.State.String()
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	resp.Status = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) Lock(req LockRequest, resp *LockResponse) error {
	ctx := s.ctx
	if req.Wait && req.TimeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMillis)*time.Millisecond)
		defer cancel()
	}
	s.logger.Debug("lock requested", logging.Bool("wait", req.Wait), logging.Int("override_count", len(req.Overrides)))
	res, err := s.daemon.Lock(ctx, lockbox.Overrides(req.Overrides), req.Wait)
	resp.RunID = res.RunID
	resp.Waited = res.Waited
	resp.Locked = res.Locked
	return err
}

func (s *service) Unlock(req UnlockRequest, resp *StateResponse) error {
	err := s.daemon.Unlock(s.ctx, req.KeepOffset)
	resp.State = s.state()
	return err
}

func (s *service) Sweep(_ SweepRequest, resp *StateResponse) error {
	err := s.daemon.Sweep(s.ctx)
	resp.State = s.state()
	return err
}

func (s *service) Relock(_ RelockRequest, resp *RelockResponse) error {
	locked, err := s.daemon.Relock(s.ctx)
	resp.Locked = locked
	return err
}

func (s *service) SetAutoLock(req AutoLockRequest, resp *AutoLockResponse) error {
	status, err := s.daemon.SetAutoLock(req.Enabled, time.Duration(req.IntervalMillis)*time.Millisecond)
	resp.AutoLock = status
	return err
}

func (s *service) EnableStage(req StageRequest, resp *StateResponse) error {
	err := s.daemon.EnableStage(s.ctx, req.Index)
	resp.State = s.state()
	return err
}

func (s *service) Pause(_ PauseRequest, resp *StateResponse) error {
	err := s.daemon.Pause(s.ctx)
	resp.State = s.state()
	return err
}

func (s *service) Resume(_ ResumeRequest, resp *StateResponse) error {
	err := s.daemon.Resume(s.ctx)
	resp.State = s.state()
	return err
}

func (s *service) History(req HistoryRequest, resp *HistoryResponse) error {
	if req.Limit < 0 {
		return fmt.Errorf("invalid history limit %d", req.Limit)
	}
	runs, err := s.daemon.History(s.ctx, req.Limit)
	if err != nil {
		return err
	}
	resp.Runs = runs
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}
