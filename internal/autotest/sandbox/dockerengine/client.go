package dockerengine

import (
	"context"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// execStream is an attached exec session: a multiplexed output stream plus stdin.
type execStream struct {
	Output     io.Reader
	Stdin      io.Writer
	CloseWrite func() error
	Close      func()
}

// api is the part of the docker engine the backend uses.
type api interface {
	Pull(ctx context.Context, ref string) error
	Create(ctx context.Context, name, ref string, res container.Resources) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (running bool, ip string, err error)
	Commit(ctx context.Context, id, ref string) (string, error)
	RemoveImage(ctx context.Context, ref string) error
	Update(ctx context.Context, id string, res container.Resources) error
	Exec(ctx context.Context, id string, opts container.ExecOptions) (string, *execStream, error)
	ExecInspect(ctx context.Context, execID string) (running bool, exitCode int, pid int, err error)
}

type engineClient struct {
	cli *client.Client
}

func newEngineClient() (*engineClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &engineClient{cli: cli}, nil
}

// Pull pulls ref. The body must be drained or docker cancels the download.
func (c *engineClient) Pull(ctx context.Context, ref string) error {
	out, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	return err
}

func (c *engineClient) Create(ctx context.Context, name, ref string, res container.Resources) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, &container.Config{
		Image:    ref,
		Hostname: name,
		Cmd:      []string{"sleep", "infinity"},
		Labels:   map[string]string{"autotest": "true"},
	}, &container.HostConfig{
		Resources: res,
	}, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *engineClient) Start(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *engineClient) Stop(ctx context.Context, id string) error {
	timeout := 0
	return c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (c *engineClient) Remove(ctx context.Context, id string) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (c *engineClient) Inspect(ctx context.Context, id string) (bool, string, error) {
	info, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, "", err
	}
	running := info.ContainerJSONBase != nil && info.State != nil && info.State.Running
	ip := ""
	if info.NetworkSettings != nil {
		for _, ep := range info.NetworkSettings.Networks {
			if ep != nil && ep.IPAddress != "" {
				ip = ep.IPAddress
				break
			}
		}
	}
	return running, ip, nil
}

func (c *engineClient) Commit(ctx context.Context, id, ref string) (string, error) {
	resp, err := c.cli.ContainerCommit(ctx, id, container.CommitOptions{Reference: ref, Pause: false})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *engineClient) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.cli.ImageRemove(ctx, ref, image.RemoveOptions{Force: true, PruneChildren: true})
	return err
}

func (c *engineClient) Update(ctx context.Context, id string, res container.Resources) error {
	_, err := c.cli.ContainerUpdate(ctx, id, container.UpdateConfig{Resources: res})
	return err
}

func (c *engineClient) Exec(ctx context.Context, id string, opts container.ExecOptions) (string, *execStream, error) {
	created, err := c.cli.ContainerExecCreate(ctx, id, opts)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", nil, err
	}
	return created.ID, &execStream{
		Output:     resp.Reader,
		Stdin:      resp.Conn,
		CloseWrite: resp.CloseWrite,
		Close:      resp.Close,
	}, nil
}

func (c *engineClient) ExecInspect(ctx context.Context, execID string) (bool, int, int, error) {
	info, err := c.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return false, -1, 0, err
	}
	return info.Running, info.ExitCode, info.Pid, nil
}
