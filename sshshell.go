package main

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// ErrNotConnected is returned by Run when called before a successful
// Connect, per spec.md §4.1's precondition contract.
var ErrNotConnected = errors.New("remote shell: not connected")

// Credentials controls SSH authentication. Connect tries, in order, an
// explicit key file, an SSH agent, then a password (spec.md §4.1).
type Credentials struct {
	Username string
	KeyFile  string
	Password string
}

// RemoteShell is a timed command channel to one host (C1). Implementations
// must tolerate Run being called only after a successful Connect, and
// Close being called any number of times.
type RemoteShell interface {
	Connect(hostname string, port int, creds Credentials, timeout time.Duration) error
	Run(command string, timeout time.Duration) (exitCode int, stdout, stderr string)
	Close() error
}

// sshRemoteShell is the golang.org/x/crypto/ssh-backed implementation.
// Host-key policy auto-accepts unknown hosts: this is an inward-facing
// admin tool, and a known-hosts-pinned build is left as an operator choice
// (spec.md §9 open question), not hardcoded here.
type sshRemoteShell struct {
	mu     sync.Mutex
	client *ssh.Client
}

func NewRemoteShell() RemoteShell {
	return &sshRemoteShell{}
}

func (s *sshRemoteShell) Connect(hostname string, port int, creds Credentials, timeout time.Duration) error {
	methods, err := authMethods(creds)
	if err != nil {
		return fmt.Errorf("remote shell: no usable auth method: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", hostname, port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return fmt.Errorf("remote shell: dial %s: %w", addr, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

// authMethods builds the ordered auth chain: key file, then agent, then
// password. A method is only included when it is actually usable, so a
// misconfigured key file doesn't crowd out agent/password auth.
func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if creds.KeyFile != "" {
		if key, err := os.ReadFile(creds.KeyFile); err == nil {
			if signer, err := ssh.ParsePrivateKey(key); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentClient := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(agentClient.Signers))
		}
	}

	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no key file, agent, or password available")
	}
	return methods, nil
}

// Run executes command in a fresh session (no shared shell state between
// calls, per spec.md §4.1). The timeout is wall-clock and covers the
// entire command including output drain; on timeout it returns a
// synthetic negative exit code and a stderr describing the timeout,
// rather than a Go error, so callers can treat timeouts uniformly with
// other command failures.
func (s *sshRemoteShell) Run(command string, timeout time.Duration) (int, string, string) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		return -1, "", ErrNotConnected.Error()
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, "", fmt.Sprintf("remote shell: new session: %v", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				exitCode = -1
			}
		}
		return exitCode, decodeUTF8(stdout.Bytes()), decodeUTF8(stderr.Bytes())
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return -2, decodeUTF8(stdout.Bytes()), fmt.Sprintf("command timed out after %s: %s", timeout, command)
	}
}

func (s *sshRemoteShell) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// decodeUTF8 replaces invalid byte sequences rather than erroring, per
// spec.md §4.1.
func decodeUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
