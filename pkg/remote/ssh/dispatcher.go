package ssh

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/fleetwright/fleetwright/pkg/engine"
)

// Dispatcher implements engine.Dispatcher over SSH. Dispatch wraps the
// command in a launcher script that records a pid file, refreshes a
// heartbeat artifact while the command lives, and records the exit code
// when it finishes. State and Heartbeat read those files back over SFTP.
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewDispatcher creates an SSH dispatcher.
func NewDispatcher(cfg Config, logger zerolog.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Dispatcher{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ssh").Logger(),
		clients: make(map[string]*ssh.Client),
	}, nil
}

// client returns a cached connection to the target, dialing if needed.
func (d *Dispatcher) client(target string) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[target]; ok {
		// A dead connection fails the first session attempt; probe cheaply.
		session, err := c.NewSession()
		if err == nil {
			_ = session.Close()
			return c, nil
		}
		_ = c.Close()
		delete(d.clients, target)
		d.logger.Warn().Str("target", target).Msg("cached connection dead, redialing")
	}

	clientConfig, err := d.cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	c, err := ssh.Dial("tcp", d.cfg.address(target), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	d.clients[target] = c
	return c, nil
}

// run executes one command in a fresh session and returns its stdout.
func (d *Dispatcher) run(target, command string) (string, error) {
	c, err := d.client(target)
	if err != nil {
		return "", err
	}
	session, err := c.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session on %s: %w", target, err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(command); err != nil {
		return stdout.String(), fmt.Errorf("remote command failed on %s: %w", target, err)
	}
	return stdout.String(), nil
}

// launcherScript wraps the dispatched command. The wrapper backgrounds the
// command, records its pid, refreshes the heartbeat file while the command
// is alive, and records the exit code when it finishes.
func launcherScript(workDir, id, command string) string {
	base := path.Join(workDir, id)
	return fmt.Sprintf(`#!/bin/sh
cd %[1]s || exit 1
( %[2]s ) > %[3]s.log 2>&1 &
pid=$!
echo $pid > %[3]s.pid
while kill -0 $pid 2>/dev/null; do
  date -u +%%Y-%%m-%%dT%%H:%%M:%%SZ > %[3]s.hb
  sleep 15
done
wait $pid
echo $? > %[3]s.exit
`, workDir, command, base)
}

// Dispatch implements engine.Dispatcher. The launcher is uploaded over SFTP
// and started under nohup so it survives the session.
func (d *Dispatcher) Dispatch(ctx context.Context, target, command string) (*engine.DispatchHandle, error) {
	id := uuid.New().String()

	if _, err := d.run(target, fmt.Sprintf("mkdir -p %s", d.cfg.WorkDir)); err != nil {
		return nil, err
	}

	c, err := d.client(target)
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(c)
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp on %s: %w", target, err)
	}
	defer sftpClient.Close()

	scriptPath := path.Join(d.cfg.WorkDir, id+".sh")
	f, err := sftpClient.Create(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create launcher on %s: %w", target, err)
	}
	if _, err := f.Write([]byte(launcherScript(d.cfg.WorkDir, id, command))); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write launcher on %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close launcher on %s: %w", target, err)
	}

	if _, err := d.run(target, fmt.Sprintf("nohup sh %s >/dev/null 2>&1 &", scriptPath)); err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("target", target).
		Str("dispatch_id", id).
		Msg("command dispatched")

	return &engine.DispatchHandle{
		ID:           id,
		Target:       target,
		HeartbeatRef: path.Join(d.cfg.WorkDir, id+".hb"),
	}, nil
}

// State implements engine.Dispatcher. A recorded exit file is terminal; a
// live pid means running; anything else is unknown.
func (d *Dispatcher) State(ctx context.Context, h *engine.DispatchHandle) (engine.DispatchState, error) {
	base := path.Join(d.cfg.WorkDir, h.ID)

	out, err := d.run(h.Target, fmt.Sprintf("cat %s.exit 2>/dev/null", base))
	if err == nil {
		code, convErr := strconv.Atoi(strings.TrimSpace(out))
		if convErr != nil {
			return engine.DispatchUnknown, fmt.Errorf("unreadable exit record for %s: %q", h.ID, out)
		}
		if code == 0 {
			return engine.DispatchSucceeded, nil
		}
		return engine.DispatchFailed, nil
	}

	_, err = d.run(h.Target, fmt.Sprintf("kill -0 $(cat %s.pid 2>/dev/null) 2>/dev/null", base))
	if err == nil {
		return engine.DispatchRunning, nil
	}
	return engine.DispatchUnknown, nil
}

// Heartbeat implements engine.Dispatcher, reading the artifact over SFTP.
// The file's modification time is the liveness signal; the content is kept
// as the message.
func (d *Dispatcher) Heartbeat(ctx context.Context, h *engine.DispatchHandle) (*engine.HeartbeatStatus, error) {
	c, err := d.client(h.Target)
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(c)
	if err != nil {
		return nil, fmt.Errorf("failed to open sftp on %s: %w", h.Target, err)
	}
	defer sftpClient.Close()

	info, err := sftpClient.Stat(h.HeartbeatRef)
	if err != nil {
		return nil, fmt.Errorf("failed to stat heartbeat for %s: %w", h.ID, err)
	}

	status := &engine.HeartbeatStatus{LastUpdate: info.ModTime()}
	if f, err := sftpClient.Open(h.HeartbeatRef); err == nil {
		buf := make([]byte, 256)
		n, _ := f.Read(buf)
		_ = f.Close()
		status.Message = strings.TrimSpace(string(buf[:n]))
	}
	return status, nil
}

// Cancel implements engine.Dispatcher with an explicit TERM to the recorded
// pid. It is never called implicitly on a stale heartbeat.
func (d *Dispatcher) Cancel(ctx context.Context, h *engine.DispatchHandle) error {
	base := path.Join(d.cfg.WorkDir, h.ID)
	if _, err := d.run(h.Target,
		fmt.Sprintf("kill -TERM $(cat %s.pid 2>/dev/null) 2>/dev/null", base)); err != nil {
		return fmt.Errorf("failed to cancel dispatch %s: %w", h.ID, err)
	}
	d.logger.Info().
		Str("target", h.Target).
		Str("dispatch_id", h.ID).
		Msg("dispatch cancelled")
	return nil
}

// Close tears down every cached connection.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var last error
	for target, c := range d.clients {
		if err := c.Close(); err != nil {
			last = err
		}
		delete(d.clients, target)
	}
	return last
}
