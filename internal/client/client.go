// Package client dials a running inboxd.
package client

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/mktinbox/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn  *grpc.ClientConn
	Inbox *api.InboxClient
}

// New dials the daemon's Unix domain socket and returns a typed service client.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	return &Client{
		conn:  conn,
		Inbox: api.NewInboxClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
