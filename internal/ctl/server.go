package ctl

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/session"
)

// Backend is the daemon state the control plane reads and mutates.
type Backend interface {
	Sessions() *session.Manager
	StartedAt() time.Time
}

// Server serves the control plane on a unix socket. A fresh random token
// is written next to the socket (both mode 0600); clients must present
// it as authorization metadata on every call.
type Server struct {
	backend Backend
	dir     string
	token   string

	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer builds a control-plane server rooted at dir (the user config
// directory).
func NewServer(backend Backend, dir string) (*Server, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, err
	}
	return &Server{
		backend: backend,
		dir:     dir,
		token:   hex.EncodeToString(tokenBytes),
	}, nil
}

// Serve binds the socket, writes the token file, and serves until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	sockPath := filepath.Join(s.dir, SocketFile)
	tokenPath := filepath.Join(s.dir, TokenFile)

	os.Remove(sockPath)
	lis, err := net.Listen("unix", sockPath)
	if err != nil {
		return err
	}
	s.listener = lis
	_ = os.Chmod(sockPath, 0o600)

	if err := os.WriteFile(tokenPath, []byte(s.token), 0o600); err != nil {
		lis.Close()
		return err
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(recoveryUnary, s.authUnary),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)
	logger.Info("control plane up", "socket", sockPath)

	go func() {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
	}()

	err = s.grpcServer.Serve(lis)
	os.Remove(sockPath)
	os.Remove(tokenPath)
	return err
}

// ── Handlers ─────────────────────────────────────────────────────────

func (s *Server) status(ctx context.Context, _ *Empty) (*StatusReply, error) {
	return &StatusReply{
		Pid:          os.Getpid(),
		UptimeSecs:   uint64(time.Since(s.backend.StartedAt()).Seconds()),
		LiveSessions: s.backend.Sessions().Len(),
	}, nil
}

func (s *Server) listSessions(ctx context.Context, _ *Empty) (*SessionsReply, error) {
	infos := s.backend.Sessions().List()
	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionInfo{
			ID:            info.ID,
			Username:      info.Username,
			Fingerprint:   info.Fingerprint,
			Label:         info.Label,
			CreatedAt:     info.CreatedAt,
			AttachedCount: info.AttachedCount,
			TotalWritten:  info.TotalWritten,
		})
	}
	return &SessionsReply{Sessions: out}, nil
}

func (s *Server) killSession(ctx context.Context, req *KillRequest) (*KillReply, error) {
	if err := s.backend.Sessions().Remove(req.SessionID); err != nil {
		return &KillReply{Removed: false}, nil
	}
	return &KillReply{Removed: true}, nil
}

// ── Interceptors ─────────────────────────────────────────────────────

func recoveryUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 16384)
			n := runtime.Stack(stack, false)
			logger.Error("panic in control handler", "method", info.FullMethod, "panic", r, "stack", string(stack[:n]))
			err = status.Errorf(codes.Internal, "panic in %s: %v", info.FullMethod, r)
		}
	}()
	return handler(ctx, req)
}

func (s *Server) authUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	tokens := md.Get("authorization")
	if len(tokens) == 0 || tokens[0] != s.token {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return handler(ctx, req)
}

// ── Service descriptor ───────────────────────────────────────────────

// ctlService is what RegisterService type-checks the implementation
// against, the role protoc's generated service interface plays.
type ctlService interface {
	status(ctx context.Context, in *Empty) (*StatusReply, error)
	listSessions(ctx context.Context, in *Empty) (*SessionsReply, error)
	killSession(ctx context.Context, in *KillRequest) (*KillReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ctlService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "ListSessions", Handler: listSessionsHandler},
		{MethodName: "KillSession", Handler: killSessionHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ctl",
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Status"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.status(ctx, req.(*Empty))
	})
}

func listSessionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.listSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListSessions"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.listSessions(ctx, req.(*Empty))
	})
}

func killSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(KillRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.killSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/KillSession"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.killSession(ctx, req.(*KillRequest))
	})
}
