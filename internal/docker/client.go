// Package docker wraps the Docker API client with the handful of container
// operations the sandbox manager needs.
package docker

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/moby/moby/client"
)

// Client wraps the Docker API client.
type Client struct {
	api *client.Client
}

// NewClient creates a Docker client connected to the given unix socket.
func NewClient(dockerSock string) (*Client, error) {
	api, err := client.New(
		client.WithHost("unix://"+dockerSock),
		client.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.DialTimeout("unix", dockerSock, 30*time.Second)
				},
			},
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{api: api}, nil
}

// Ping checks that the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.Ping(ctx, client.PingOptions{})
	return err
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.api.Close()
}
