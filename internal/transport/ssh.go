package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how to reach the cluster login node.
type SSHConfig struct {
	// Host is an alias looked up in SSHConfigPath, or a plain hostname.
	Host string
	// SSHConfigPath defaults to ~/.ssh/config.
	SSHConfigPath string
	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

// Endpoint is the resolved address and credentials of a host alias.
type Endpoint struct {
	HostName     string
	User         string
	Port         int
	IdentityFile string
}

// SSHDialer opens sessions with golang.org/x/crypto/ssh.
type SSHDialer struct {
	cfg SSHConfig
	log *slog.Logger
}

// NewSSHDialer returns a dialer for the given host configuration.
func NewSSHDialer(cfg SSHConfig) *SSHDialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &SSHDialer{cfg: cfg, log: slog.Default().With("component", "transport")}
}

// Resolve looks the host alias up in the ssh config file, the same way
// `ssh <alias>` would.
func (d *SSHDialer) Resolve() (Endpoint, error) {
	ep := Endpoint{HostName: d.cfg.Host, Port: 22}

	path := expandHome(d.cfg.SSHConfigPath)
	if path == "" {
		path = expandHome("~/.ssh/config")
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			ep.User = currentUser()
			return ep, nil
		}
		return ep, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	parsed, err := ssh_config.Decode(f)
	if err != nil {
		return ep, fmt.Errorf("parse ssh config %s: %w", path, err)
	}

	if v, _ := parsed.Get(d.cfg.Host, "HostName"); v != "" {
		ep.HostName = v
	}
	if v, _ := parsed.Get(d.cfg.Host, "User"); v != "" {
		ep.User = v
	} else {
		ep.User = currentUser()
	}
	if v, _ := parsed.Get(d.cfg.Host, "Port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return ep, fmt.Errorf("invalid port %q for host %s: %w", v, d.cfg.Host, err)
		}
		ep.Port = port
	}
	if v, _ := parsed.Get(d.cfg.Host, "IdentityFile"); v != "" && v != "~/.ssh/identity" {
		ep.IdentityFile = expandHome(v)
	}
	return ep, nil
}

// Connect implements Dialer.
func (d *SSHDialer) Connect(ctx context.Context) (Session, error) {
	ep, err := d.Resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	auths, closeAgent, err := d.authMethods(ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	hostKeyCallback, err := d.hostKeyCallback()
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(ep.HostName, strconv.Itoa(ep.Port))
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		closeAgent()
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrConnect, addr, err)
	}

	d.log.Debug("SSH session opened", "host", d.cfg.Host, "addr", addr, "user", ep.User)
	return &sshSession{client: ssh.NewClient(c, chans, reqs), closeAgent: closeAgent, log: d.log}, nil
}

func (d *SSHDialer) authMethods(ep Endpoint) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closeAgent := func() {}

	if ep.IdentityFile != "" {
		key, err := os.ReadFile(ep.IdentityFile)
		if err != nil {
			return nil, closeAgent, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, closeAgent, fmt.Errorf("parse identity file %s: %w", ep.IdentityFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			d.log.Warn("SSH agent unavailable", "socket", sock, "error", err)
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { conn.Close() }
		}
	}

	if len(methods) == 0 {
		return nil, closeAgent, errors.New("no identity file configured and no ssh agent available")
	}
	return methods, closeAgent, nil
}

func (d *SSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.InsecureIgnoreHostKey {
		d.log.Warn("Host key verification disabled", "host", d.cfg.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := expandHome(d.cfg.KnownHostsPath)
	if path == "" {
		path = expandHome("~/.ssh/known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return cb, nil
}

// sshSession runs one command per ssh channel over a shared client.
type sshSession struct {
	client     *ssh.Client
	closeAgent func()
	log        *slog.Logger
	closeOnce  sync.Once
	closeErr   error
}

func (s *sshSession) Execute(ctx context.Context, command, stdin string, onLine LineHandler) (int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("%w: new channel: %v", ErrSession, err)
	}
	defer sess.Close()

	stdinPipe, err := sess.StdinPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stdin: %v", ErrSession, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stdout: %v", ErrSession, err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stderr: %v", ErrSession, err)
	}

	if err := sess.Start(command); err != nil {
		return -1, fmt.Errorf("%w: start %q: %v", ErrSession, command, err)
	}

	if stdin != "" {
		if _, err := io.WriteString(stdinPipe, stdin); err != nil {
			s.log.Warn("Failed to write remote stdin", "error", err)
		}
	}
	stdinPipe.Close()

	// Closing the channel unblocks the readers when the context ends.
	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	var (
		wg        sync.WaitGroup
		stderrErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		stderrErr = readLines(stderr, func(line string) {
			s.log.Debug("remote stderr", "line", line)
		})
	}()

	stdoutErr := readLines(stdout, func(line string) {
		if onLine != nil {
			onLine(line)
		}
	})
	wg.Wait()

	err = sess.Wait()
	if ctx.Err() != nil {
		return -1, fmt.Errorf("%w: %v", ErrSession, ctx.Err())
	}
	if stdoutErr != nil {
		return -1, fmt.Errorf("%w: read stdout: %v", ErrSession, stdoutErr)
	}
	if stderrErr != nil {
		s.log.Warn("Failed to read remote stderr", "error", stderrErr)
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("%w: wait: %v", ErrSession, err)
}

// maxLineBytes caps a delivered line. The rest of a longer line is dropped
// and reading continues with the next one.
const maxLineBytes = 1024 * 1024

// readLines calls onLine for every line of r until EOF. The reader is always
// drained, even after a read error, so the remote side never blocks on a
// full channel window.
func readLines(r io.Reader, onLine func(line string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				onLine(strings.TrimRight(string(line), "\r"))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			io.Copy(io.Discard, r)
			return err
		}
		if room := maxLineBytes - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if isPrefix {
			continue
		}
		onLine(strings.TrimRight(string(line), "\r"))
		line = line[:0]
	}
}

func (s *sshSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
		s.closeAgent()
	})
	return s.closeErr
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return os.Getenv("LOGNAME")
}
