// Package fcclient talks to a Firecracker process over its API socket.
package fcclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client"
	models "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	ops "github.com/firecracker-microvm/firecracker-go-sdk/client/operations"
	"github.com/go-openapi/strfmt"

	"github.com/cochaviz/vessel/internal/logging"
)

const (
	// BackendTypeFile selects a plain file as guest memory backend.
	BackendTypeFile = "File"

	defaultPollInterval = 20 * time.Millisecond
	defaultDialTimeout  = 200 * time.Millisecond
)

// LoadRequest describes a snapshot to load.
type LoadRequest struct {
	StatePath  string
	MemoryPath string
	Resume     bool
}

// Client issues requests against a single API socket.
type Client struct {
	socketPath   string
	logger       *slog.Logger
	api          *client.Firecracker
	pollInterval time.Duration
}

// New returns a client for the API socket at socketPath. No connection is
// made until a request is issued.
func New(socketPath string, logger *slog.Logger) *Client {
	logger = logging.Ensure(logger).With(logging.ComponentKey, "fcclient", "socket", socketPath)

	api := client.NewHTTPClient(strfmt.NewFormats())
	api.SetTransport(firecracker.NewUnixSocketTransport(socketPath, logging.NewLogrusEntry(logger), false))

	return &Client{
		socketPath:   socketPath,
		logger:       logger,
		api:          api,
		pollInterval: defaultPollInterval,
	}
}

// SocketPath returns the API socket the client talks to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// WaitForReady blocks until the API socket accepts connections or ctx is
// done. Callers bound the wait with a context deadline.
func (c *Client) WaitForReady(ctx context.Context) error {
	dialer := net.Dialer{Timeout: defaultDialTimeout}
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
		if err == nil {
			_ = conn.Close()
			c.logger.Debug("api socket ready")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for api socket %s: %w", c.socketPath, errors.Join(ctx.Err(), err))
		case <-ticker.C:
		}
	}
}

// LoadSnapshot loads a snapshot into a freshly started Firecracker process,
// optionally resuming the guest.
func (c *Client) LoadSnapshot(ctx context.Context, req LoadRequest) error {
	if req.StatePath == "" || req.MemoryPath == "" {
		return errors.New("snapshot state and memory paths are required")
	}
	params := ops.NewLoadSnapshotParamsWithContext(ctx).WithBody(&models.SnapshotLoadParams{
		SnapshotPath: firecracker.String(req.StatePath),
		MemBackend: &models.MemoryBackend{
			BackendPath: firecracker.String(req.MemoryPath),
			BackendType: firecracker.String(BackendTypeFile),
		},
		ResumeVM: req.Resume,
	})

	start := time.Now()
	if _, err := c.api.Operations.LoadSnapshot(params); err != nil {
		return fmt.Errorf("load snapshot %s: %w", req.StatePath, err)
	}
	c.logger.Info("snapshot loaded", "state", req.StatePath, "resume", req.Resume, "duration", time.Since(start))
	return nil
}
