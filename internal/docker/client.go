package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"
)

// API is the part of the Docker Engine client used to control instances.
type API interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
}

// Client maps instance IDs to containers named <prefix><id>.
type Client struct {
	cli         API
	prefix      string
	stopTimeout int
}

// New creates a new Docker client wrapper from the environment.
func New(prefix string) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return NewWithAPI(cli, prefix), nil
}

// NewWithAPI creates a Client over an existing API implementation.
func NewWithAPI(cli API, prefix string) *Client {
	// Specify a 10-second timeout for graceful shutdown
	return &Client{cli: cli, prefix: prefix, stopTimeout: 10}
}

// ContainerName returns the container backing instanceID.
func (c *Client) ContainerName(instanceID string) string {
	return c.prefix + instanceID
}

// StopInstance stops the instance container if it is running. An instance
// without a container is treated as already stopped.
func (c *Client) StopInstance(ctx context.Context, instanceID string) (bool, error) {
	name := c.ContainerName(instanceID)
	info, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			log.Debug().Str("container", name).Msg("No container for instance, nothing to stop")
			return false, nil
		}
		return false, fmt.Errorf("could not inspect container %s: %w", name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return false, nil
	}

	timeout := c.stopTimeout
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return true, fmt.Errorf("could not stop container %s: %w", name, err)
	}
	log.Info().Str("container", name).Msg("Stopped instance container")
	return true, nil
}

// StartInstance starts the instance container.
func (c *Client) StartInstance(ctx context.Context, instanceID string) error {
	name := c.ContainerName(instanceID)
	if err := c.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("could not start container %s: %w", name, err)
	}
	log.Info().Str("container", name).Msg("Started instance container")
	return nil
}
