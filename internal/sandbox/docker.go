// Package sandbox: Docker-backed implementation. One long-lived container
// is the sandbox; commands run through exec sessions inside it.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandpipe/sandpipe/internal/common/config"
	"github.com/sandpipe/sandpipe/internal/common/logger"
	"go.uber.org/zap"
)

// DockerSandbox implements Sandbox on top of a single Docker container.
type DockerSandbox struct {
	cli    *client.Client
	logger *logger.Logger
	config config.SandboxConfig

	mu          sync.Mutex
	containerID string
}

var _ Sandbox = (*DockerSandbox)(nil)

// NewDockerSandbox creates the Docker client for the sandbox host. The
// container itself is created lazily by Ready.
func NewDockerSandbox(cfg config.SandboxConfig, log *logger.Logger) (*DockerSandbox, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Sandbox docker client created",
		zap.String("host", cfg.Host),
		zap.String("image", cfg.Image),
	)

	return &DockerSandbox{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-sandbox")),
		config: cfg,
	}, nil
}

// Close closes the Docker client. The sandbox container is left running so
// a restarted orchestrator can reattach to it.
func (s *DockerSandbox) Close() error {
	return s.cli.Close()
}

// Workdir is the root all relative paths resolve against.
func (s *DockerSandbox) Workdir() string {
	return s.config.Workdir
}

// Ready ensures the sandbox container exists and is running.
func (s *DockerSandbox) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containerID != "" {
		inspect, err := s.cli.ContainerInspect(ctx, s.containerID)
		if err == nil && inspect.State != nil && inspect.State.Running {
			return nil
		}
		s.containerID = ""
	}

	// Reattach to an existing container by name before creating one.
	inspect, err := s.cli.ContainerInspect(ctx, s.config.ContainerName)
	if err == nil {
		s.containerID = inspect.ID
		if inspect.State != nil && inspect.State.Running {
			return nil
		}
		if err := s.cli.ContainerStart(ctx, s.containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start sandbox container: %w", err)
		}
		return nil
	}

	s.logger.Info("Creating sandbox container",
		zap.String("name", s.config.ContainerName),
		zap.String("image", s.config.Image),
	)

	resp, err := s.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      s.config.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: s.config.Workdir,
			Labels:     map[string]string{"sandpipe.sandbox": "true"},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(s.config.NetworkMode),
		},
		nil, nil, s.config.ContainerName,
	)
	if err != nil {
		return fmt.Errorf("failed to create sandbox container: %w", err)
	}
	s.containerID = resp.ID

	if err := s.cli.ContainerStart(ctx, s.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start sandbox container: %w", err)
	}

	// Docker creates WorkingDir on start, so the workdir always exists.
	s.logger.Info("Sandbox container running", zap.String("container_id", s.containerID))
	return nil
}

func (s *DockerSandbox) container() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containerID
}

// ExecuteCommand runs a shell command in the sandbox container and returns
// its exit code and combined output. Cancelling ctx tears down the exec
// stream and invokes onAbort.
func (s *DockerSandbox) ExecuteCommand(ctx context.Context, sessionID, command string, onAbort func()) (*ExecResult, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	s.logger.Debug("Executing command",
		zap.String("session_id", sessionID),
		zap.String("command", command),
	)

	execResp, err := s.cli.ContainerExecCreate(ctx, s.container(), container.ExecOptions{
		Cmd:          []string{"sh", "-lc", command},
		WorkingDir:   s.config.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	aborted := make(chan struct{})
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(aborted)
			attach.Close()
			if onAbort != nil {
				onAbort()
			}
		case <-done:
		}
	}()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	close(done)

	select {
	case <-aborted:
		return nil, ctx.Err()
	default:
	}
	if copyErr != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", copyErr)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += stderr.String()
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Output:   output,
	}, nil
}

// Mkdir creates a directory inside the sandbox.
func (s *DockerSandbox) Mkdir(ctx context.Context, dirPath string, recursive bool) error {
	flag := ""
	if recursive {
		flag = "-p "
	}
	res, err := s.execQuiet(ctx, fmt.Sprintf("mkdir %s%s", flag, shellQuote(dirPath)))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s failed: %s", dirPath, strings.TrimSpace(res.Output))
	}
	return nil
}

// WriteFile writes content to path inside the sandbox via a tar upload.
func (s *DockerSandbox) WriteFile(ctx context.Context, filePath string, content []byte) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}

	dir, name := path.Split(filePath)
	if dir == "" {
		dir = s.config.Workdir
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(content)),
	}); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar: %w", err)
	}

	if err := s.cli.CopyToContainer(ctx, s.container(), dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy file to sandbox: %w", err)
	}
	return nil
}

// ReadFile returns the contents of path inside the sandbox.
func (s *DockerSandbox) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	reader, _, err := s.cli.CopyFromContainer(ctx, s.container(), filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to copy file from sandbox: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("failed to read file archive: %w", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("failed to read file contents: %w", err)
	}
	return data, nil
}

// Spawn starts a long-running process in the sandbox and returns its output
// stream plus an exit-code future.
func (s *DockerSandbox) Spawn(ctx context.Context, cmd string, args ...string) (*Process, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, err
	}

	full := cmd
	if len(args) > 0 {
		full = cmd + " " + strings.Join(args, " ")
	}

	execResp, err := s.cli.ContainerExecCreate(ctx, s.container(), container.ExecOptions{
		Cmd:          []string{"sh", "-lc", full},
		WorkingDir:   s.config.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}

	pr, pw := io.Pipe()
	exit := make(chan int, 1)

	go func() {
		defer attach.Close()
		_, copyErr := stdcopy.StdCopy(pw, pw, attach.Reader)
		pw.CloseWithError(copyErr)

		// The stream closing means the process exited; poll for its code.
		code := -1
		for i := 0; i < 50; i++ {
			inspect, err := s.cli.ContainerExecInspect(context.Background(), execResp.ID)
			if err != nil {
				break
			}
			if !inspect.Running {
				code = inspect.ExitCode
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		exit <- code
	}()

	return &Process{Output: pr, Exit: exit}, nil
}

// execQuiet runs a short administrative command without session bookkeeping.
func (s *DockerSandbox) execQuiet(ctx context.Context, command string) (*ExecResult, error) {
	return s.ExecuteCommand(ctx, "admin", command, nil)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
