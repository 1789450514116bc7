package dissect

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/pktmask/internal/core"
)

// fakeTShark writes an executable shell script standing in for tshark.
func fakeTShark(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "tshark")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestTSharkArgs(t *testing.T) {
	ts := NewTShark(TSharkOptions{DecodeAsPorts: []int{8443, 9443}, ExtraArgs: []string{"-C", "masking"}}, nil)
	args := ts.Args("/tmp/in.pcap")

	assert.Equal(t, []string{"-n", "-r", "/tmp/in.pcap"}, args[:3])
	assert.Contains(t, args, "tcp.desegment_tcp_streams:TRUE")
	assert.Contains(t, args, "tls.desegment_ssl_records:TRUE")
	assert.Contains(t, args, "tcp.port==8443,tls")
	assert.Contains(t, args, "tcp.port==9443,tls")
	assert.Equal(t, []string{"-C", "masking"}, args[len(args)-2:])

	i := slices.Index(args, "tls.record.length")
	require.GreaterOrEqual(t, i, 1)
	assert.Equal(t, "-e", args[i-1])
}

func TestTSharkUnavailable(t *testing.T) {
	ts := NewTShark(TSharkOptions{Path: filepath.Join(t.TempDir(), "no-such-tshark")}, nil)
	_, err := ts.Dissect(context.Background(), "in.pcap")
	if !errors.Is(err, core.ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}
	if core.CategoryOf(err) != core.CategoryToolUnavailable {
		t.Errorf("category = %v", core.CategoryOf(err))
	}

	_, err = ts.Version(context.Background())
	assert.ErrorIs(t, err, core.ErrToolUnavailable)
}

func TestTSharkRunsAndParses(t *testing.T) {
	bin := fakeTShark(t, `printf '1\t10.0.0.1\t10.0.0.2\t\t\t50000\t443\t1\t10\t22\t\t5\n'`)
	ts := NewTShark(TSharkOptions{Path: bin}, nil)

	res, err := ts.Dissect(context.Background(), "in.pcap")
	require.NoError(t, err)
	assert.Equal(t, "tshark", res.Tool)
	assert.False(t, res.AbsoluteSeq)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, 1, res.RecordCount())
}

func TestTSharkNonZeroExitIsParseError(t *testing.T) {
	bin := fakeTShark(t, `echo "tshark: The file appears to be damaged or corrupt." >&2; exit 2`)
	ts := NewTShark(TSharkOptions{Path: bin}, nil)

	_, err := ts.Dissect(context.Background(), "in.pcap")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrParse)
	assert.Contains(t, err.Error(), "damaged or corrupt")
}

func TestTSharkGarbageOutputIsParseError(t *testing.T) {
	bin := fakeTShark(t, `echo "this is not field output"`)
	ts := NewTShark(TSharkOptions{Path: bin}, nil)

	_, err := ts.Dissect(context.Background(), "in.pcap")
	assert.ErrorIs(t, err, core.ErrParse)
}

func TestTSharkGarbageOutputIsDrained(t *testing.T) {
	// More than a pipe buffer of output after the bad line must not stall.
	bin := fakeTShark(t, `echo "this is not field output"; head -c 1048576 /dev/zero; exit 0`)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ts := NewTShark(TSharkOptions{Path: bin}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := ts.Dissect(ctx, "in.pcap")
	assert.ErrorIs(t, err, core.ErrParse)
	assert.NoError(t, ctx.Err())
	assert.NotContains(t, logs.String(), "drain failed")
}

func TestTSharkTimeoutKillsProcess(t *testing.T) {
	bin := fakeTShark(t, `exec sleep 30`)
	ts := NewTShark(TSharkOptions{Path: bin, KillDelay: 200 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ts.Dissect(ctx, "in.pcap")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrToolUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second, "process must be killed on timeout")
}
