package dissect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/pktmask/internal/core"
)

const (
	defaultTSharkPath = "tshark"
	defaultKillDelay  = 2 * time.Second
	stderrTail        = 512
)

// TSharkOptions configures the tshark invocation.
type TSharkOptions struct {
	Path          string
	ExtraArgs     []string
	DecodeAsPorts []int
	// KillDelay bounds how long Wait blocks on I/O after the process has
	// been killed on cancellation.
	KillDelay time.Duration
}

// TShark dissects captures by running tshark with TCP and TLS
// desegmentation enabled, so every frame reports the records it completes.
type TShark struct {
	opts   TSharkOptions
	logger *slog.Logger
}

// NewTShark returns a tshark dissector. A nil logger uses slog.Default().
func NewTShark(opts TSharkOptions, logger *slog.Logger) *TShark {
	if opts.Path == "" {
		opts.Path = defaultTSharkPath
	}
	if opts.KillDelay <= 0 {
		opts.KillDelay = defaultKillDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TShark{opts: opts, logger: logger}
}

func (t *TShark) Name() string { return "tshark" }

// Args returns the command line used for path, without the binary.
func (t *TShark) Args(path string) []string {
	args := []string{
		"-n", "-r", path,
		"-Y", "tcp",
		"-o", "ip.defragment:FALSE",
		"-o", "ipv6.defragment:FALSE",
		"-o", "tcp.desegment_tcp_streams:TRUE",
		"-o", "tls.desegment_ssl_records:TRUE",
		"-o", "tls.desegment_ssl_application_data:TRUE",
		"-T", "fields",
		"-E", "separator=/t",
		"-E", "occurrence=a",
		"-E", "aggregator=,",
		"-E", "header=n",
	}
	for _, port := range t.opts.DecodeAsPorts {
		args = append(args, "-d", fmt.Sprintf("tcp.port==%d,tls", port))
	}
	for _, f := range tsharkFields {
		args = append(args, "-e", f)
	}
	return append(args, t.opts.ExtraArgs...)
}

// Dissect runs tshark on path. The process is killed when ctx is done.
func (t *TShark) Dissect(ctx context.Context, path string) (*Result, error) {
	bin, err := exec.LookPath(t.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrToolUnavailable, t.opts.Path, err)
	}

	cmd := exec.CommandContext(ctx, bin, t.Args(path)...)
	cmd.WaitDelay = t.opts.KillDelay
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: tshark stdout: %v", core.ErrToolUnavailable, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", core.ErrToolUnavailable, bin, err)
	}

	frames, parseErr := ParseFields(stdout)
	if parseErr != nil {
		// Keep the pipe drained so tshark can exit.
		if _, err := io.Copy(io.Discard, stdout); err != nil {
			t.logger.Debug("tshark output drain failed", "input", path, "error", err)
		}
	}
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%w: tshark interrupted: %w", core.ErrToolUnavailable, ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: tshark exited with status %d: %s",
				core.ErrParse, exitErr.ExitCode(), tail(stderr.String()))
		}
		return nil, fmt.Errorf("%w: tshark: %v", core.ErrToolUnavailable, waitErr)
	}
	if parseErr != nil {
		return nil, parseErr
	}

	res := &Result{Tool: t.Name(), Frames: frames}
	t.logger.Debug("tshark dissection finished",
		"input", path,
		"frames", len(frames),
		"records", res.RecordCount(),
		"duration", time.Since(start))
	return res, nil
}

// Version runs "tshark -v" and returns its first output line.
func (t *TShark) Version(ctx context.Context) (string, error) {
	bin, err := exec.LookPath(t.opts.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", core.ErrToolUnavailable, t.opts.Path, err)
	}
	cmd := exec.CommandContext(ctx, bin, "-v")
	cmd.WaitDelay = t.opts.KillDelay
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s -v: %v", core.ErrToolUnavailable, bin, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return strconv.Quote(s)
}
