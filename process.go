package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/tonimelisma/nasgate/internal/config"
)

var (
	errGatewayRunning = errors.New("another gateway is already running")
	errNoGateway      = errors.New("no running gateway found")
)

// pidLock is a PID file held under an exclusive flock for the lifetime of
// "serve". A second "serve" with the same PID file fails fast.
type pidLock struct {
	path string
	f    *os.File
}

func lockPIDFile(path string) (*pidLock, error) {
	if path == "" {
		return nil, errors.New("PID file path is empty, cannot determine data directory")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w (%s is locked)", errGatewayRunning, path)
	}

	if err := writePID(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing PID file: %w", err)
	}

	return &pidLock{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}

	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}

	return f.Sync()
}

// Release removes the PID file, then drops the lock.
func (l *pidLock) Release() {
	os.Remove(l.path)
	l.f.Close()
}

// resolvePIDPath picks the PID file: an explicit path, then
// server.pid_file, then the default under the data directory.
func resolvePIDPath(flagValue string, cfg *config.Config) string {
	if flagValue != "" {
		return flagValue
	}

	if cfg != nil && cfg.Server.PIDFile != "" {
		return cfg.Server.PIDFile
	}

	return config.DefaultPIDPath()
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s", path)
	}

	return pid, nil
}

// signalGateway delivers sig to the gateway recorded in pidPath. A PID
// file whose process is gone is removed.
func signalGateway(pidPath string, sig syscall.Signal) error {
	pid, err := readPID(pidPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w (no PID file at %s)", errNoGateway, pidPath)
	}

	if err != nil {
		return err
	}

	if err := syscall.Kill(pid, 0); err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("%w (PID %d is gone, stale PID file removed)", errNoGateway, pid)
	}

	if err := syscall.Kill(pid, sig); err != nil {
		return fmt.Errorf("signalling gateway (PID %d): %w", pid, err)
	}

	return nil
}

// shutdownContext is canceled by the first SIGINT or SIGTERM so in-flight
// streams, uploads and cleanup deletions can drain. A second signal exits
// immediately.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		for n := 0; ; n++ {
			select {
			case sig := <-sigCh:
				if n > 0 {
					logger.Warn("second signal, exiting now", slog.String("signal", sig.String()))
					os.Exit(1)
				}

				logger.Info("shutting down", slog.String("signal", sig.String()))
				cancel()
			case <-parent.Done():
				cancel()
				return
			}
		}
	}()

	return ctx
}

// reloadOnHangup calls reload on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, reload func(), logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			logger.Info("SIGHUP, reloading config")
			reload()
		}
	}
}
