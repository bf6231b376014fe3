package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/groupfill/internal/config"
	"github.com/mattjoyce/groupfill/internal/log"
	"github.com/mattjoyce/groupfill/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from the helper.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ExecOpener opens sessions backed by a helper program that speaks the JSON
// protocol on stdin/stdout. Each operation spawns one helper process, so
// concurrent invocations never share a pipe.
type ExecOpener struct {
	Program string
	Args    []string
	Env     map[string]string
	Dir     string
	// Timeout bounds each helper call. Zero means only ctx bounds it.
	Timeout time.Duration
	// Grace is the SIGTERM to SIGKILL delay; zero uses terminationGracePeriod.
	Grace time.Duration
}

// NewExecOpenerFromConfig is the registry factory for the exec transport.
func NewExecOpenerFromConfig(cfg config.SessionConfig) (Opener, error) {
	if cfg.Exec == nil || cfg.Exec.Program == "" {
		return nil, fmt.Errorf("exec transport requires session.exec.program")
	}
	return &ExecOpener{
		Program: cfg.Exec.Program,
		Args:    cfg.Exec.Args,
		Env:     cfg.Exec.Env,
		Dir:     cfg.Exec.Dir,
		Timeout: cfg.InvokeTimeout,
	}, nil
}

// Open runs the helper with op=open. Anything but an ok response is a ConnectionError.
func (o *ExecOpener) Open(ctx context.Context, ep Endpoint) (Session, error) {
	s := &execSession{
		opener: o,
		conn: protocol.Connection{
			EndpointURI: ep.URI,
			SchemaURI:   ep.SchemaURI,
			Username:    ep.Credential.Username,
			Password:    ep.Credential.Password,
		},
		logger: log.WithComponent("session.exec").With("endpoint", ep.URI),
	}

	resp, stderr, err := s.call(ctx, &protocol.Request{Op: protocol.OpOpen})
	if err != nil {
		return nil, &ConnectionError{Endpoint: ep.URI, Err: withStderr(err, stderr)}
	}
	if !resp.OK() {
		return nil, &ConnectionError{Endpoint: ep.URI, Err: fmt.Errorf("helper refused open: %v", resp.Errors)}
	}
	s.logger.Info("session opened")
	return s, nil
}

type execSession struct {
	opener *ExecOpener
	conn   protocol.Connection
	logger *slog.Logger
	closed atomic.Bool
}

func (s *execSession) Invoke(ctx context.Context, command string, params map[string]string) (*Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	resp, stderr, err := s.call(ctx, &protocol.Request{
		Op:         protocol.OpInvoke,
		Command:    command,
		Parameters: params,
	})
	if err != nil {
		return nil, withStderr(err, stderr)
	}

	return &Result{
		Succeeded: resp.OK(),
		Errors:    resp.Errors,
		Output:    resp.Output,
		Stderr:    stderr,
	}, nil
}

func (s *execSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	resp, stderr, err := s.call(context.Background(), &protocol.Request{Op: protocol.OpClose})
	if err != nil {
		return fmt.Errorf("close session: %w", withStderr(err, stderr))
	}
	if !resp.OK() {
		return fmt.Errorf("close session: %v", resp.Errors)
	}
	s.logger.Info("session closed")
	return nil
}

// call spawns the helper, writes req to stdin and reads the response from stdout.
// Returns the response, captured stderr, and any error.
func (s *execSession) call(ctx context.Context, req *protocol.Request) (*protocol.Response, string, error) {
	o := s.opener
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	if deadline, ok := ctx.Deadline(); ok {
		d := deadline.UTC()
		req.DeadlineAt = &d
	}
	req.Protocol = protocol.Version
	req.RunID = RunIDFromContext(ctx)
	req.Connection = s.conn

	// Not CommandContext: termination is SIGTERM first, then SIGKILL after a grace period.
	cmd := exec.Command(o.Program, o.Args...)
	cmd.Dir = o.Dir
	cmd.Env = mergeEnv(os.Environ(), o.Env)
	cmd.WaitDelay = o.grace()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("spawning helper", "program", o.Program, "op", req.Op, "command", req.Command)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start helper: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("helper call interrupted, sending SIGTERM", "op", req.Op, "reason", ctx.Err())
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				s.logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		timer := time.NewTimer(o.grace())
		defer timer.Stop()

		select {
		case <-waitErr:
		case <-timer.C:
			s.logger.Warn("helper did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					s.logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr
		}
		return nil, truncateStderr(stderr.String()), ctx.Err()

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		werr := <-writeErr

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for helper: %w", err)
			}
			s.logger.Warn("helper exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		// A helper may answer and exit before reading all of stdin; its
		// response wins over the resulting write error.
		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			if werr != nil {
				return nil, stderrStr, werr
			}
			s.logger.Error("failed to decode helper response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		if werr != nil {
			s.logger.Debug("helper answered before reading the full request", "error", werr)
		}

		for _, entry := range resp.Logs {
			s.logger.Debug("helper log", "level", entry.Level, "message", entry.Message)
		}
		return resp, stderrStr, nil
	}
}

func (o *ExecOpener) grace() time.Duration {
	if o.Grace > 0 {
		return o.Grace
	}
	return terminationGracePeriod
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func withStderr(err error, stderr string) error {
	if stderr == "" {
		return err
	}
	return fmt.Errorf("%w (stderr: %s)", err, stderr)
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
