package clusterrpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/forge-cluster/forge/internal/security"
)

// Client is a thin grpc.ClientConn wrapper exposing typed calls against
// the Membership/Tasks/Updater/Submitter services, grounded on the
// teacher's pkg/client/client.go shape.
type Client struct {
	conn *grpc.ClientConn
}

// jsonCallOption forces every invoke/stream on this conn to use the
// JSON codec registered in codec.go instead of grpc's default proto
// codec.
func jsonCallOption() grpc.CallOption {
	return grpc.CallContentSubtype(jsonCodecName)
}

// Dial opens an mTLS connection to addr using the cluster CA.
func Dial(addr string, ca *security.CertAuthority) (*Client, error) {
	cert, err := ca.NodeCertificate()
	if err != nil {
		return nil, fmt.Errorf("clusterrpc: client certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      ca.Pool(),
		MinVersion:   tls.VersionTLS13,
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	if err != nil {
		return nil, fmt.Errorf("clusterrpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	resp := new(HeartbeatResponse)
	if err := c.conn.Invoke(ctx, "/forge.Membership/Heartbeat", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Join(ctx context.Context, req *JoinRequestMsg) (*JoinResponse, error) {
	resp := new(JoinResponse)
	if err := c.conn.Invoke(ctx, "/forge.Membership/Join", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

// Dispatch opens the server-streaming RPC carrying task output chunks.
func (c *Client) Dispatch(ctx context.Context, req *DispatchRequest) (grpc.ServerStreamingClient[DispatchChunk], error) {
	desc := &grpc.StreamDesc{StreamName: "Dispatch", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/forge.Tasks/Dispatch", jsonCallOption())
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &dispatchStreamClient{stream}, nil
}

type dispatchStreamClient struct{ grpc.ClientStream }

func (c *dispatchStreamClient) Recv() (*DispatchChunk, error) {
	m := new(DispatchChunk)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *Client) CancelTask(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	resp := new(CancelResponse)
	if err := c.conn.Invoke(ctx, "/forge.Tasks/Cancel", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

// PushBinary opens the client-streaming RPC used by the rolling
// updater to ship a new binary to a follower.
func (c *Client) PushBinary(ctx context.Context) (grpc.ClientStreamingClient[PushBinaryChunk, PushBinaryResponse], error) {
	desc := &grpc.StreamDesc{StreamName: "PushBinary", ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/forge.Updater/PushBinary", jsonCallOption())
	if err != nil {
		return nil, err
	}
	return &pushBinaryStreamClient{stream}, nil
}

type pushBinaryStreamClient struct{ grpc.ClientStream }

func (c *pushBinaryStreamClient) Send(m *PushBinaryChunk) error { return c.ClientStream.SendMsg(m) }

func (c *pushBinaryStreamClient) CloseAndRecv() (*PushBinaryResponse, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	resp := new(PushBinaryResponse)
	if err := c.ClientStream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ActivateBinary(ctx context.Context, req *ActivateBinaryRequest) (*ActivateBinaryResponse, error) {
	resp := new(ActivateBinaryResponse)
	if err := c.conn.Invoke(ctx, "/forge.Updater/ActivateBinary", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RollbackBinary(ctx context.Context, req *RollbackBinaryRequest) (*RollbackBinaryResponse, error) {
	resp := new(RollbackBinaryResponse)
	if err := c.conn.Invoke(ctx, "/forge.Updater/RollbackBinary", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error) {
	resp := new(SubmitTaskResponse)
	if err := c.conn.Invoke(ctx, "/forge.Submitter/SubmitTask", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SubmitWorkflow(ctx context.Context, req *SubmitWorkflowRequest) (*SubmitWorkflowResponse, error) {
	resp := new(SubmitWorkflowResponse)
	if err := c.conn.Invoke(ctx, "/forge.Submitter/SubmitWorkflow", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	resp := new(GetTaskResponse)
	if err := c.conn.Invoke(ctx, "/forge.Submitter/GetTask", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	resp := new(ListTasksResponse)
	if err := c.conn.Invoke(ctx, "/forge.Submitter/ListTasks", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListNodes(ctx context.Context, req *ListNodesRequest) (*ListNodesResponse, error) {
	resp := new(ListNodesResponse)
	if err := c.conn.Invoke(ctx, "/forge.Submitter/ListNodes", req, resp, jsonCallOption()); err != nil {
		return nil, err
	}
	return resp, nil
}

// defaultTimeout mirrors the teacher's client.go convention of wrapping
// every call in a fixed deadline.
const defaultTimeout = 10 * time.Second

// WithDefaultTimeout returns a context bounded by defaultTimeout.
func WithDefaultTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, defaultTimeout)
}
