package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"privd/api"
	"privd/internal/privd/metrics"
	"privd/pkg/config"
	"privd/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	stopTimeout       = 10 * time.Second
	maxIdleCheckEvery = 30 * time.Second
)

// Server is the privileged daemon. It serves the dispatch table over a unix
// socket to local, credential-checked peers.
type Server struct {
	cfg        config.ServerConfig
	auth       *Authenticator
	dispatcher *Dispatcher
	grpc       *grpc.Server
	logger     *logger.Logger

	inflight     atomic.Int64
	lastActivity atomic.Int64
}

// New builds the daemon. An empty secret disables authentication.
func New(cfg *config.Config, secret string, deps Dependencies) *Server {
	s := &Server{
		cfg:        cfg.Server,
		auth:       NewAuthenticator(secret, NewSessions(cfg.Auth.SessionTTL, cfg.Auth.MaxSessions), cfg.Auth.AttemptsPerMinute),
		dispatcher: NewDispatcher(),
		logger:     logger.WithField("component", "daemon"),
	}
	registerCommands(s.dispatcher, s.auth, deps)
	s.touch()

	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.Server.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.Server.MaxSendMsgSize),
		grpc.ChainUnaryInterceptor(s.observe, s.track, s.authorize),
	)
	api.RegisterPrivilegedServer(s.grpc, s)

	s.logger.Debug("daemon configured",
		"commands", s.dispatcher.Names(),
		"authEnabled", s.auth.Enabled(),
		"maxRecvMsgSize", cfg.Server.MaxRecvMsgSize)
	return s
}

func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Call implements api.PrivilegedServer.
func (s *Server) Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.dispatcher.Dispatch(ctx, req)
}

// Serve listens on the configured socket until ctx is done or the daemon
// has been idle for IdleShutdown. Idle shutdown returns nil.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := listenUnix(s.cfg.SocketPath, s.cfg.SocketGroup, s.logger)
	if err != nil {
		return err
	}
	defer os.Remove(s.cfg.SocketPath)

	allowed := allowedUIDs(s.cfg.PanelUser, s.cfg.AllowedUIDs, s.logger)
	wrapped := wrapListener(lis, allowed, s.cfg.MaxConnections, s.logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpc.Serve(wrapped)
	}()

	s.logger.Info("privileged daemon listening",
		"socket", s.cfg.SocketPath,
		"maxConnections", s.cfg.MaxConnections,
		"idleShutdown", s.cfg.IdleShutdown)

	var idle <-chan time.Time
	if s.cfg.IdleShutdown > 0 {
		every := s.cfg.IdleShutdown / 4
		if every > maxIdleCheckEvery {
			every = maxIdleCheckEvery
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		idle = ticker.C
	}

	for {
		select {
		case err := <-serveErr:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("daemon stopped: %w", err)
			}
			return nil
		case <-ctx.Done():
			s.logger.Info("shutting down privileged daemon")
			s.stop()
			return nil
		case <-idle:
			if s.inflight.Load() > 0 || s.idleFor() < s.cfg.IdleShutdown {
				continue
			}
			s.logger.Info("no requests received, exiting", "idle", s.idleFor().Round(time.Second))
			s.stop()
			return nil
		}
	}
}

func (s *Server) stop() {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		s.logger.Warn("graceful stop timed out, closing connections")
		s.grpc.Stop()
	}
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Server) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// observe logs and counts every call and converts domain errors to gRPC
// status errors.
func (s *Server) observe(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	// unregistered names are caller-chosen and must not become label values
	command := "unknown"
	if st, ok := req.(*structpb.Struct); ok {
		if cmd, err := s.dispatcher.Lookup(api.CommandOf(st)); err == nil {
			command = cmd.Name
		}
	}
	log := s.logger.WithField("command", command)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", "panic", r)
			resp, err = nil, status.Errorf(codes.Internal, "internal error in %s", command)
		}

		err = toStatus(err)
		code := status.Code(err)
		metrics.DaemonCalls.WithLabelValues(command, code.String()).Inc()
		if err != nil {
			log.Warn("command failed", "code", code.String(), "error", err, "duration", time.Since(start))
			return
		}
		log.Debug("command completed", "duration", time.Since(start))
	}()

	return handler(ctx, req)
}

func (s *Server) track(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	s.inflight.Add(1)
	s.touch()
	defer func() {
		s.touch()
		s.inflight.Add(-1)
	}()
	return handler(ctx, req)
}

// authorize rejects unknown commands and, for commands that require it,
// calls without a valid session token.
func (s *Server) authorize(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	st, ok := req.(*structpb.Struct)
	if !ok {
		return nil, invalid("request must be a struct")
	}
	cmd, err := s.dispatcher.Lookup(api.CommandOf(st))
	if err != nil {
		return nil, err
	}
	if cmd.RequiresAuth {
		if err := s.auth.Check(tokenFrom(ctx)); err != nil {
			return nil, err
		}
	}
	return handler(ctx, req)
}

func tokenFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(api.MetadataAuthorization)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimPrefix(values[0], "Bearer ")
}
