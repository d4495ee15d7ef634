package clusterrpc

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/forge-cluster/forge/internal/clustererr"
	"github.com/forge-cluster/forge/internal/metrics"
)

var readOnlyPrefixes = []string{"Get", "List", "Watch", "Describe"}

// isReadOnlyMethod reports whether the method name (the part after the
// last '/') names a read-only operation, per the teacher's
// pkg/api/interceptor.go convention.
func isReadOnlyMethod(fullMethod string) bool {
	idx := strings.LastIndex(fullMethod, "/")
	name := fullMethod
	if idx >= 0 {
		name = fullMethod[idx+1:]
	}
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ReadOnlyInterceptor rejects any write RPC, for use on a restricted
// (e.g. local, unauthenticated) listener.
func ReadOnlyInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if !isReadOnlyMethod(info.FullMethod) {
		return nil, status.Error(codes.PermissionDenied, "clusterrpc: write operations not permitted on this listener")
	}
	return handler(ctx, req)
}

// MetricsInterceptor records request counts and latency per method, and
// maps handler errors that are not already grpc statuses via toStatus.
func MetricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	timer := metrics.NewTimer()
	resp, err := handler(ctx, req)
	if _, ok := status.FromError(err); !ok {
		err = toStatus(err)
	}
	statusLabel := "ok"
	if err != nil {
		statusLabel = statusCodeLabel(err)
	}
	metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, statusLabel).Inc()
	timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)
	return resp, err
}

func statusCodeLabel(err error) string {
	if st, ok := status.FromError(err); ok {
		return st.Code().String()
	}
	return "unknown"
}

// toStatus maps a clustererr sentinel to a grpc status, attaching a
// leader hint when available, per the error handling design.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isErr(err, clustererr.ErrNotLeader):
		for e := err; e != nil; {
			if h, ok := e.(*clustererr.LeaderHint); ok && h.LeaderAddr != "" {
				return status.Error(codes.FailedPrecondition, err.Error()+" (leader: "+h.LeaderAddr+")")
			}
			u, ok := e.(interface{ Unwrap() error })
			if !ok {
				break
			}
			e = u.Unwrap()
		}
		return status.Error(codes.FailedPrecondition, err.Error())
	case isErr(err, clustererr.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case isErr(err, clustererr.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case isErr(err, clustererr.ErrNoEligibleNodes):
		return status.Error(codes.ResourceExhausted, err.Error())
	case isErr(err, clustererr.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case isErr(err, clustererr.ErrConflict):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
