package clusterrpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/forge-cluster/forge/internal/logging"
	"github.com/forge-cluster/forge/internal/security"
)

// Server hosts the Membership, Tasks, Updater, and Submitter services
// behind one mTLS-protected grpc.Server, mirroring the teacher's
// pkg/api/server.go TLS configuration.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer builds the grpc.Server with mTLS credentials sourced from
// the cluster CA, and a unary interceptor stack (read-only enforcement
// plus request metrics), then lets the caller register whichever of
// the four service implementations apply to this node's role.
func NewServer(bindAddr string, ca *security.CertAuthority, readOnly bool) (*Server, error) {
	cert, err := ca.NodeCertificate()
	if err != nil {
		return nil, fmt.Errorf("clusterrpc: load node certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		ClientAuth:   tls.RequestClientCert,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    ca.Pool(),
		MinVersion:   tls.VersionTLS13,
	}
	creds := credentials.NewTLS(tlsCfg)

	interceptor := MetricsInterceptor
	if readOnly {
		interceptor = chainUnary(ReadOnlyInterceptor, MetricsInterceptor)
	}

	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("clusterrpc: listen %s: %w", bindAddr, err)
	}

	srv := grpc.NewServer(grpc.Creds(creds), grpc.UnaryInterceptor(interceptor))
	return &Server{grpcServer: srv, listener: lis}, nil
}

// RegisterMembership registers a MembershipServer implementation.
func (s *Server) RegisterMembership(impl MembershipServer) {
	s.grpcServer.RegisterService(&MembershipServiceDesc, impl)
}

// RegisterTasks registers a TasksServer implementation.
func (s *Server) RegisterTasks(impl TasksServer) {
	s.grpcServer.RegisterService(&TasksServiceDesc, impl)
}

// RegisterUpdater registers an UpdaterServer implementation.
func (s *Server) RegisterUpdater(impl UpdaterServer) {
	s.grpcServer.RegisterService(&UpdaterServiceDesc, impl)
}

// RegisterSubmitter registers a SubmitterServer implementation.
func (s *Server) RegisterSubmitter(impl SubmitterServer) {
	s.grpcServer.RegisterService(&SubmitterServiceDesc, impl)
}

// Serve blocks, accepting connections until Stop is called.
func (s *Server) Serve() error {
	logging.WithComponent("clusterrpc").Info().Str("addr", s.listener.Addr().String()).Msg("serving cluster rpc")
	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully stops the grpc server.
func (s *Server) Stop() { s.grpcServer.GracefulStop() }

// chainUnary composes multiple unary interceptors into one, applied in
// the given order (first is outermost).
func chainUnary(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := chain
			chain = func(ctx context.Context, req interface{}) (interface{}, error) {
				return interceptor(ctx, req, info, next)
			}
		}
		return chain(ctx, req)
	}
}
