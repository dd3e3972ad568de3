package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"privd/api"
)

// Client talks to privd over its unix socket. Transport security comes from
// the socket's file mode and the daemon's peer credential check.
type Client struct {
	client api.PrivilegedClient
	conn   *grpc.ClientConn

	mu    sync.RWMutex
	token string
}

func New(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	target := socketPath
	if !strings.HasPrefix(target, "unix:") {
		target = "unix://" + socketPath
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	return &Client{
		client: api.NewPrivilegedClient(conn),
		conn:   conn,
	}, nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Authenticate exchanges key for a session token used on every later call.
func (c *Client) Authenticate(ctx context.Context, key string) error {
	resp, err := c.Call(ctx, "authenticate", map[string]interface{}{"key": key})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.token = resp.GetFields()["token"].GetStringValue()
	c.mu.Unlock()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

// Call runs command on the daemon. args must hold values structpb accepts.
func (c *Client) Call(ctx context.Context, command string, args map[string]interface{}) (*structpb.Struct, error) {
	req, err := api.NewRequest(command, args)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, api.MetadataAuthorization, "Bearer "+token)
	}

	resp, err := c.client.Call(ctx, req)
	if err != nil {
		if s, ok := status.FromError(err); ok && s.Code() == codes.DeadlineExceeded {
			return nil, fmt.Errorf("timeout while running %s: the daemon may still be processing the request: %w", command, err)
		}
		return nil, err
	}
	return resp, nil
}
