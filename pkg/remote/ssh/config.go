// Package ssh dispatches long-running commands to remote targets over SSH
// and reads back the two signals the monitor polls: the recorded exit state
// and the heartbeat artifact the dispatched process keeps refreshing.
package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds the SSH connection settings shared by all targets.
type Config struct {
	// User is the SSH username.
	User string

	// Port is the SSH port on every target.
	Port int

	// PrivateKeyPath is the private key file. Empty tries the usual
	// locations under ~/.ssh.
	PrivateKeyPath string

	// KnownHostsPath enables strict host key verification when set.
	KnownHostsPath string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// WorkDir is where dispatch scripts, state files, and heartbeat
	// artifacts live on the target.
	WorkDir string
}

// Validate checks the configuration and fills in a discoverable private
// key when none is given.
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("ssh user is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid ssh port: %d", c.Port)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WorkDir == "" {
		return fmt.Errorf("remote work directory is required")
	}

	if c.PrivateKeyPath == "" {
		home := os.Getenv("HOME")
		for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
			candidate := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(candidate); err == nil {
				c.PrivateKeyPath = candidate
				break
			}
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("no private key configured and no default key found")
		}
	}
	if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
		return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
	}
	return nil
}

// clientConfig builds the ssh.ClientConfig.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	keyBytes, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		// Only acceptable on closed test networks.
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// address formats host:port for a target.
func (c *Config) address(target string) string {
	return fmt.Sprintf("%s:%d", target, c.Port)
}
