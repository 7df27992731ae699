package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	defaultSSHPort = "22"

	// subsystemName is the sshd subsystem the device tools daemon
	// registers on the device during installation.
	subsystemName = "device_tools"

	defaultSSHDialTimeout = 10 * time.Second
)

// installScriptTemplate is piped to /bin/sh on the device. The client
// version is baked in so the device can refuse protocol-incompatible
// clients on later connections.
const installScriptTemplate = `set -e
mkdir -p "$HOME/.devlink"
echo '%[1]s' > "$HOME/.devlink/client_version"
device_tools_setup install --client-version '%[1]s'
`

const uninstallScript = `set -e
device_tools_setup uninstall
rm -rf "$HOME/.devlink"
`

// SSHConfig carries everything an SSH link needs; credentials are read-only
// inputs and are never mutated by the transport.
type SSHConfig struct {
	Host            string // host or host:port, bracketed IPv6 accepted
	User            string
	KeyPath         string // private key file; ssh-agent is used when empty
	ClientVersion   string
	HostKeyCallback ssh.HostKeyCallback // defaults to accepting any host key
	DialTimeout     time.Duration
}

// SSHTransport frames device tools traffic over an sshd subsystem channel.
type SSHTransport struct {
	cfg SSHConfig

	mu      sync.Mutex
	client  *ssh.Client
	subsys  *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	writeMu sync.Mutex
}

func NewSSHTransport(cfg SSHConfig) *SSHTransport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultSSHDialTimeout
	}
	if cfg.HostKeyCallback == nil {
		// Embedded devices regenerate host keys on reflash; pinning is
		// the caller's choice via the config hook.
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() // #nosec G106
	}
	return &SSHTransport{cfg: cfg}
}

func (t *SSHTransport) Name() string {
	return "ssh"
}

func (t *SSHTransport) StatusTarget() string {
	addr, err := hostPort(t.cfg.Host, defaultSSHPort)
	if err != nil {
		return ""
	}
	return addr
}

func (t *SSHTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("ssh", "target", t.StatusTarget())
	if t.subsys != nil {
		logger.Debug("connect skipped: already connected")
		return nil
	}

	addr, err := hostPort(t.cfg.Host, defaultSSHPort)
	if err != nil {
		return err
	}

	if t.client == nil {
		logger.Info("connecting")
		client, err := t.dial(ctx, addr)
		if err != nil {
			logger.Warn("connect failed", "error", err)
			return err
		}
		t.client = client
	}

	if err := t.openSubsystem(); err != nil {
		if !errors.Is(err, ErrSubsystemMissing) {
			t.closeLocked()
		}
		logger.Warn("open subsystem failed", "error", err)
		return err
	}
	logger.Info("connected", "subsystem", subsystemName)
	return nil
}

func (t *SSHTransport) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	auth, err := t.authMethods()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: t.cfg.HostKeyCallback,
		Timeout:         t.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (t *SSHTransport) authMethods() ([]ssh.AuthMethod, error) {
	if t.cfg.KeyPath != "" {
		raw, err := os.ReadFile(t.cfg.KeyPath) // #nosec G304 -- path comes from device config.
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("no ssh key configured and no ssh-agent available")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("dial ssh-agent: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
}

func (t *SSHTransport) openSubsystem() error {
	sess, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh channel: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("open subsystem stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("open subsystem stdout: %w", err)
	}
	if err := sess.RequestSubsystem(subsystemName); err != nil {
		_ = sess.Close()
		return fmt.Errorf("%w: %v", ErrSubsystemMissing, err)
	}
	t.subsys = sess
	t.stdin = stdin
	t.stdout = stdout
	return nil
}

func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *SSHTransport) closeLocked() error {
	if t.client == nil && t.subsys == nil {
		return nil
	}
	if t.subsys != nil {
		_ = t.subsys.Close()
		t.subsys = nil
		t.stdin = nil
		t.stdout = nil
	}
	var err error
	if t.client != nil {
		err = t.client.Close()
		t.client = nil
	}
	transportLogger("ssh", "target", t.StatusTarget()).Info("closed")
	return err
}

func (t *SSHTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	logger := transportLogger("ssh")
	t.mu.Lock()
	stdout := t.stdout
	t.mu.Unlock()
	if stdout == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The subsystem stream carries no read deadline; a Close from another
	// goroutine unblocks a pending read with an error.
	payload, err := readFrame(ioReadFullFunc(stdout))
	if err != nil {
		logger.Debug("read frame failed", "error", err)
		return nil, err
	}
	logger.Debug("read frame", "len", len(payload))
	return payload, nil
}

func (t *SSHTransport) WriteFrame(ctx context.Context, payload []byte) error {
	logger := transportLogger("ssh")
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()
	if stdin == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := encodeFrame(payload)
	if err != nil {
		logger.Warn("encode frame failed", "payload_len", len(payload), "error", err)
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(frame); err != nil {
		logger.Warn("write frame failed", "payload_len", len(payload), "error", err)
		return fmt.Errorf("write frame: %w", err)
	}
	logger.Debug("write frame", "payload_len", len(payload), "frame_len", len(frame))
	return nil
}

// RunInstall executes the device tools install script on the device. The
// caller must reconnect afterwards: installation registers the subsystem
// for future connections only.
func (t *SSHTransport) RunInstall(ctx context.Context) error {
	return t.runScript(ctx, installScript(t.cfg.ClientVersion))
}

func installScript(clientVersion string) string {
	return fmt.Sprintf(installScriptTemplate, clientVersion)
}

// RunUninstall removes the device tools subsystem from the device.
func (t *SSHTransport) RunUninstall(ctx context.Context) error {
	return t.runScript(ctx, uninstallScript)
}

func (t *SSHTransport) runScript(ctx context.Context, script string) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	temporary := client == nil
	if temporary {
		addr, err := hostPort(t.cfg.Host, defaultSSHPort)
		if err != nil {
			return err
		}
		client, err = t.dial(ctx, addr)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
	}

	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open script channel: %w", err)
	}
	defer func() { _ = sess.Close() }()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-done:
		}
	}()

	sess.Stdin = strings.NewReader(script)
	out, err := sess.CombinedOutput("/bin/sh -s")
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return &InstallError{ExitCode: exitErr.ExitStatus(), Output: string(out)}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("run device tools script: %w", err)
	}
	return nil
}

// hostPort resolves a "host[:port]" string, accepting bracketed and bare
// IPv6 literals, filling in the default port when omitted.
func hostPort(host, defaultPort string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("host is empty")
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		return net.JoinHostPort(h, p), nil
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), defaultPort), nil
}
