// Package connector owns connector subprocesses: it writes their inputs,
// launches them, decodes their output and shuts them down.
package connector

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/connbridge/internal/decoder"
	"github.com/bft-labs/connbridge/internal/domain"
	"github.com/bft-labs/connbridge/pkg/log"
	"github.com/bft-labs/connbridge/pkg/protocol"
)

const (
	// DefaultGracefulShutdown is how long Close waits for a connector to
	// exit on its own.
	DefaultGracefulShutdown = time.Minute

	// DefaultForceShutdown is how long Close waits after SIGTERM before
	// sending SIGKILL.
	DefaultForceShutdown = time.Minute

	// exitPollInterval bounds how long AttemptRead waits for the process to
	// exit once its output is exhausted.
	exitPollInterval = 100 * time.Millisecond
)

// HandleConfig configures a connector handle.
type HandleConfig struct {
	GracefulShutdown time.Duration
	ForceShutdown    time.Duration

	// Decoder configures output decoding. Logger and Accept are set by the
	// handle.
	Decoder decoder.Options
}

func (c *HandleConfig) setDefaults() {
	if c.GracefulShutdown <= 0 {
		c.GracefulShutdown = DefaultGracefulShutdown
	}
	if c.ForceShutdown <= 0 {
		c.ForceShutdown = DefaultForceShutdown
	}
}

// handle is the process plumbing shared by sources and destinations.
type handle struct {
	name     string
	launcher Launcher
	cfg      HandleConfig
	logger   log.Logger
	tag      string

	mu        sync.Mutex
	proc      Process
	stream    *decoder.Stream
	stderrEOF chan struct{}
	closed    bool

	closeOnce sync.Once
	closeErr  error

	cancelled atomic.Bool
}

func newHandle(name, color string, launcher Launcher, cfg HandleConfig, logger log.Logger) *handle {
	cfg.setDefaults()
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &handle{
		name:     name,
		launcher: launcher,
		cfg:      cfg,
		logger:   log.With(logger, log.String("connector", name)),
		tag:      prefix(name, color),
	}
}

// start writes the connector's input files through prepare, launches the
// connector with the arguments prepare returns and wires its output streams.
// Nothing is written when the handle was already started.
func (h *handle) start(ctx context.Context, dir string, accept protocol.TypeSet, prepare func() ([]string, error)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proc != nil || h.closed {
		return domain.ErrAlreadyStarted
	}

	args, err := prepare()
	if err != nil {
		return err
	}

	proc, err := h.launcher.Launch(ctx, dir, args...)
	if err != nil {
		return err
	}

	opts := h.cfg.Decoder
	opts.Logger = h.logger
	opts.Accept = accept
	stream, err := decoder.NewStream(proc.Stdout(), opts)
	if err != nil {
		_ = proc.Kill()
		return err
	}

	h.proc = proc
	h.stream = stream
	h.stderrEOF = make(chan struct{})
	go gobble(proc.Stderr(), h.logger, h.tag, h.stderrEOF)

	h.logger.Info("connector started", log.Any("args", args))
	return nil
}

func (h *handle) process() (Process, *decoder.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return nil, nil, domain.ErrNotStarted
	}
	return h.proc, h.stream, nil
}

// isFinished reports that all output was consumed and the process exited.
func (h *handle) isFinished() bool {
	proc, stream, err := h.process()
	if err != nil {
		return true
	}
	return !stream.HasNext() && proc.Exited()
}

// attemptRead returns the next message if one is available.
func (h *handle) attemptRead() (protocol.Message, bool, error) {
	proc, stream, err := h.process()
	if err != nil {
		return protocol.Message{}, false, err
	}
	if stream.HasNext() {
		msg, err := stream.Next()
		if err != nil {
			return protocol.Message{}, false, err
		}
		return msg, true, nil
	}
	if err := stream.Err(); err != nil && !h.cancelled.Load() {
		return protocol.Message{}, false, err
	}

	// Output is exhausted; give the process a moment to exit so callers
	// polling isFinished do not spin.
	select {
	case <-proc.Done():
	case <-time.After(exitPollInterval):
	}
	return protocol.Message{}, false, nil
}

func (h *handle) exitValue() (int, error) {
	proc, _, err := h.process()
	if err != nil {
		return 0, err
	}
	return proc.ExitCode()
}

// close waits for the process to exit, escalating to SIGTERM and SIGKILL,
// and reports an unexpected exit code. It is idempotent; concurrent callers
// wait for the first one.
func (h *handle) close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		proc, stderrEOF := h.proc, h.stderrEOF
		h.mu.Unlock()

		if proc != nil {
			h.closeErr = h.shutdown(proc, stderrEOF)
		}
	})
	return h.closeErr
}

func (h *handle) shutdown(proc Process, stderrEOF <-chan struct{}) error {
	if !waitExit(proc, h.cfg.GracefulShutdown) {
		h.logger.Warn("connector did not exit in time, terminating", log.Duration("waited", h.cfg.GracefulShutdown))
		if err := proc.Terminate(); err != nil {
			h.logger.Warn("failed to terminate connector", log.Err(err))
		}
		if !waitExit(proc, h.cfg.ForceShutdown) {
			h.logger.Warn("connector ignored SIGTERM, killing", log.Duration("waited", h.cfg.ForceShutdown))
			if err := proc.Kill(); err != nil {
				return err
			}
			// SIGKILL cannot be ignored; the wait is only bounded in case
			// the process is stuck in the kernel.
			waitExit(proc, h.cfg.ForceShutdown)
		}
	}

	select {
	case <-stderrEOF:
	case <-time.After(exitPollInterval):
	}
	closeReader(proc.Stdout())
	closeReader(proc.Stderr())

	code, err := proc.ExitCode()
	if err != nil {
		return err
	}
	if !cleanExit(code) && !h.cancelled.Load() {
		return &ExitError{Connector: h.name, Code: code}
	}
	h.logger.Info("connector exited", log.Int("exit_code", code), log.Bool("cancelled", h.cancelled.Load()))
	return nil
}

func waitExit(proc Process, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return proc.Wait(ctx) == nil
}

// cancel kills the process. It never fails once the process is gone.
func (h *handle) cancel() error {
	h.cancelled.Store(true)

	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	if proc == nil || proc.Exited() {
		return nil
	}
	h.logger.Info("cancelling connector")
	return proc.Kill()
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}

// writeJSONFile writes v as JSON to dir/name.
func writeJSONFile(dir, name string, v interface{}) (string, error) {
	var data []byte
	switch t := v.(type) {
	case json.RawMessage:
		data = t
		if len(data) == 0 {
			data = []byte("{}")
		}
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return "", err
		}
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
