// Package docker runs the external check engine in a sandboxed container and
// streams its JSON-lines output back as check results.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/cloudscan-armada/internal/domain/scanning"
	"github.com/ahrav/cloudscan-armada/pkg/common/logger"
)

var _ scanning.CheckRunner = (*Runner)(nil)

// Config selects the engine image and the sandbox it runs in.
type Config struct {
	Image string   `mapstructure:"image" validate:"required"`
	Args  []string `mapstructure:"args"`
	// Env is passed through to the engine, typically provider credentials.
	Env         []string      `mapstructure:"env"`
	MemoryBytes int64         `mapstructure:"memory_bytes"`
	NanoCPUs    int64         `mapstructure:"nano_cpus"`
	PidsLimit   int64         `mapstructure:"pids_limit"`
	NetworkMode string        `mapstructure:"network_mode"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

func (c *Config) withDefaults() {
	if c.MemoryBytes <= 0 {
		c.MemoryBytes = 2 << 30
	}
	if c.NanoCPUs <= 0 {
		c.NanoCPUs = 2_000_000_000
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = 256
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "bridge"
	}
	if c.Timeout <= 0 {
		c.Timeout = 6 * time.Hour
	}
}

// execution is a started engine container.
type execution struct {
	// stdout carries the demultiplexed engine output.
	stdout io.ReadCloser
	// wait blocks until the container exits and returns its status code.
	wait func(ctx context.Context) (int64, error)
	// cleanup removes the container.
	cleanup func()
}

type starter func(ctx context.Context, cmd, env []string) (*execution, error)

// Runner is a scanning.CheckRunner backed by the Docker engine API.
type Runner struct {
	cfg   Config
	start starter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient connects to the Docker daemon configured in the environment.
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
}

// NewRunner creates a Runner starting containers through cli.
func NewRunner(cli *client.Client, cfg Config, logger *logger.Logger, tracer trace.Tracer) *Runner {
	cfg.withDefaults()
	r := &Runner{
		cfg:    cfg,
		logger: logger.With("component", "docker_check_runner", "image", cfg.Image),
		tracer: tracer,
	}
	r.start = func(ctx context.Context, cmd, env []string) (*execution, error) {
		return startContainer(ctx, cli, r.cfg, cmd, env)
	}
	return r
}

func (r *Runner) command(req scanning.CheckRequest) ([]string, []string) {
	cmd := append([]string{}, r.cfg.Args...)
	cmd = append(cmd, req.Provider.Type.String(), "--output-format", "jsonl")
	if len(req.Checks) > 0 {
		cmd = append(cmd, "--checks", strings.Join(req.Checks, ","))
	}
	env := append([]string{}, r.cfg.Env...)
	env = append(env,
		"PROVIDER_UID="+req.Provider.UID,
		"SCAN_ID="+req.ScanID.String(),
	)
	return cmd, env
}

// Run starts the engine and yields one result per completed check. A
// non-zero exit status or a broken output stream ends the sequence with an
// error.
func (r *Runner) Run(ctx context.Context, req scanning.CheckRequest) iter.Seq2[scanning.CheckResult, error] {
	return func(yield func(scanning.CheckResult, error) bool) {
		if req.Provider == nil {
			yield(scanning.CheckResult{}, errors.New("check request has no provider"))
			return
		}

		ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		ctx, span := r.tracer.Start(ctx, "docker_check_runner.run",
			trace.WithAttributes(
				attribute.String("scan_id", req.ScanID.String()),
				attribute.String("provider_type", req.Provider.Type.String()),
				attribute.Int("checks.requested", len(req.Checks)),
			))
		defer span.End()

		cmd, env := r.command(req)
		exec, err := r.start(ctx, cmd, env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to start engine")
			yield(scanning.CheckResult{}, fmt.Errorf("starting check engine: %w", err))
			return
		}
		defer exec.cleanup()
		defer exec.stdout.Close()

		results := 0
		for res, err := range decodeResults(exec.stdout, req) {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "engine output unreadable")
				yield(scanning.CheckResult{}, err)
				return
			}
			results++
			if !yield(res, nil) {
				return
			}
		}

		code, err := exec.wait(ctx)
		if err == nil && code != 0 {
			err = fmt.Errorf("check engine exited with status %d", code)
		}
		span.SetAttributes(attribute.Int("checks.completed", results))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "engine failed")
			yield(scanning.CheckResult{}, err)
			return
		}
		span.SetStatus(codes.Ok, "engine finished")
		r.logger.Debug(ctx, "Check engine finished", "scan_id", req.ScanID, "checks", results)
	}
}

func startContainer(ctx context.Context, cli *client.Client, cfg Config, cmd, env []string) (*execution, error) {
	pids := cfg.PidsLimit
	resp, err := cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        cfg.Image,
			Cmd:          cmd,
			Env:          env,
			User:         "1000:1000",
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			ReadonlyRootfs: true,
			CapDrop:        []string{"ALL"},
			NetworkMode:    container.NetworkMode(cfg.NetworkMode),
			Tmpfs:          map[string]string{"/tmp": "rw,size=512m"},
			Resources: container.Resources{
				Memory:    cfg.MemoryBytes,
				NanoCPUs:  cfg.NanoCPUs,
				PidsLimit: &pids,
			},
		},
		nil,
		nil,
		"",
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	remove := func() {
		_ = cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		remove()
		return nil, fmt.Errorf("starting container: %w", err)
	}

	logs, err := cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		remove()
		return nil, fmt.Errorf("attaching to container logs: %w", err)
	}

	// The engine API multiplexes both streams; only stdout carries results.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, logs)
		_ = logs.Close()
		pw.CloseWithError(err)
	}()

	wait := func(ctx context.Context) (int64, error) {
		statusCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
		select {
		case st := <-statusCh:
			if st.Error != nil {
				return st.StatusCode, errors.New(st.Error.Message)
			}
			return st.StatusCode, nil
		case err := <-errCh:
			return -1, fmt.Errorf("waiting for container: %w", err)
		}
	}

	return &execution{stdout: pr, wait: wait, cleanup: remove}, nil
}
