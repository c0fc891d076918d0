package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

const (
	containerWorkdir = "/sandbox"
	containerPids    = int64(64)
	killGrace        = 5 * time.Second
)

type dockerClient interface {
	Close() error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerSandbox runs every command in a throw-away container with the
// workspace bind-mounted at /sandbox.
type DockerSandbox struct {
	cli    dockerClient
	image  string
	root   string
	logger *zerolog.Logger
}

var _ Sandbox = (*DockerSandbox)(nil)

func NewDockerSandbox(img, root string, logger *zerolog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerSandbox(cli, img, root, logger), nil
}

func newDockerSandbox(cli dockerClient, img, root string, logger *zerolog.Logger) *DockerSandbox {
	return &DockerSandbox{cli: cli, image: img, root: root, logger: logger}
}

func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

func (s *DockerSandbox) Run(ctx context.Context, cmd Command, limits Limits) *Result {
	start := time.Now()

	dir := cmd.Dir
	if dir == "" {
		ws, err := NewWorkspace(s.root)
		if err != nil {
			return spawnFailed(start, err)
		}
		defer func() {
			if err := ws.Remove(); err != nil {
				s.logger.Warn().Err(err).Str("dir", ws.Path()).Msg("workspace cleanup failed")
			}
		}()
		dir = ws.Path()
	}

	// 1. Create container with security hardening
	resp, err := s.cli.ContainerCreate(ctx, s.containerConfig(cmd), s.hostConfig(dir, limits), nil, nil, "")
	if err != nil {
		return spawnFailed(start, fmt.Errorf("failed to create container: %w", err))
	}
	defer func() {
		if err := s.cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Warn().Err(err).Str("container", resp.ID).Msg("failed to remove container")
		}
	}()

	// 2. Attach stdin before start so no input is lost
	if cmd.Stdin != nil {
		attach, err := s.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{Stream: true, Stdin: true})
		if err != nil {
			return spawnFailed(start, fmt.Errorf("failed to attach stdin: %w", err))
		}
		go func() {
			defer attach.Close()
			_, _ = attach.Conn.Write(cmd.Stdin)
			_ = attach.CloseWrite()
		}()
	}

	// 3. Start
	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return spawnFailed(start, fmt.Errorf("failed to start container: %w", err))
	}

	// 4. Wait for exit, deadline or cancellation
	killed, reason := false, StatusKilled
	exitCode := -1

	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	statusCh, errCh := s.cli.ContainerWait(waitCtx, resp.ID, container.WaitConditionNotRunning)

	var deadline <-chan time.Time
	if limits.MaxWallTime > 0 {
		timer := time.NewTimer(limits.MaxWallTime)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
	case err := <-errCh:
		s.logger.Warn().Err(err).Str("container", resp.ID).Msg("container wait failed")
		killed = true
	case <-deadline:
		killed, reason = true, StatusTimedOut
	case <-ctx.Done():
		killed = true
	}

	if killed {
		s.kill(resp.ID)
		select {
		case st := <-statusCh:
			exitCode = int(st.StatusCode)
		case <-errCh:
		case <-time.After(killGrace):
		}
	}

	res := &Result{
		Duration: time.Since(start),
		ExitCode: exitCode,
	}

	// 5. Collect bounded output
	out := newOutputCapture(limits.MaxOutputBytes)
	if err := s.collectLogs(resp.ID, out); err != nil {
		s.logger.Warn().Err(err).Str("container", resp.ID).Msg("failed to read container logs")
	}
	out.fill(res)

	// 6. Classify
	oomKilled := false
	inspectCtx, cancelInspect := context.WithTimeout(context.Background(), killGrace)
	defer cancelInspect()
	if inspect, err := s.cli.ContainerInspect(inspectCtx, resp.ID); err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil {
		oomKilled = inspect.State.OOMKilled
	}

	switch {
	case oomKilled:
		res.Status = StatusMemoryExceeded
	case killed:
		res.Status = reason
	case exitCode == 0:
		res.Status = StatusSuccess
	case exitCode == 137:
		res.Status = StatusKilled
	default:
		res.Status = StatusNonZeroExit
	}
	return res
}

func (s *DockerSandbox) containerConfig(cmd Command) *container.Config {
	// The image's PATH locates its toolchain; the host-oriented one is dropped.
	env := []string{"HOME=" + containerWorkdir, "TMPDIR=/tmp"}
	for _, kv := range cmd.Env {
		if !strings.HasPrefix(kv, "PATH=") {
			env = append(env, kv)
		}
	}
	return &container.Config{
		Image:           s.image,
		Cmd:             append([]string{cmd.Path}, cmd.Args...),
		Env:             env,
		WorkingDir:      containerWorkdir,
		User:            fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		NetworkDisabled: true,
		OpenStdin:       cmd.Stdin != nil,
		StdinOnce:       cmd.Stdin != nil,
		AttachStdin:     cmd.Stdin != nil,
	}
}

func (s *DockerSandbox) hostConfig(dir string, limits Limits) *container.HostConfig {
	pidsLimit := containerPids
	hc := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:  1e9,
			PidsLimit: &pidsLimit,
		},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: dir, Target: containerWorkdir},
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m,mode=1777",
		},
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": "1m"},
		},
	}
	if limits.MaxMemoryBytes > 0 {
		hc.Resources.Memory = limits.MaxMemoryBytes
		hc.Resources.MemorySwap = limits.MaxMemoryBytes // no swap
	}
	return hc
}

func (s *DockerSandbox) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	if err := s.cli.ContainerKill(ctx, id, "KILL"); err != nil {
		s.logger.Warn().Err(err).Str("container", id).Msg("failed to kill container")
	}
}

func (s *DockerSandbox) collectLogs(id string, out *outputCapture) error {
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()

	logs, err := s.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err
	}
	defer logs.Close()

	if _, err := stdcopy.StdCopy(out.Stdout(), out.Stderr(), logs); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// EnsureImage pulls the sandbox image unless it is already present.
func (s *DockerSandbox) EnsureImage(ctx context.Context) error {
	images, err := s.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", s.image)),
	})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	s.logger.Info().Str("image", s.image).Msg("pulling docker image")
	reader, err := s.cli.ImagePull(ctx, s.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", s.image, err)
	}
	defer reader.Close()

	// must consume the reader to finish the pull
	_, _ = io.Copy(io.Discard, reader)

	s.logger.Info().Str("image", s.image).Msg("successfully pulled docker image")
	return nil
}
