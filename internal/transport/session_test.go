package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// remoteCommand emulates one command on the test server. It returns the
// exit status sent back to the client.
type remoteCommand func(stdin io.Reader, stdout, stderr io.Writer) uint32

// startSSHServer runs an in-process ssh server that accepts any client and
// dispatches exec requests to commands by their exact command line.
func startSSHServer(t *testing.T, commands map[string]remoteCommand) string {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg, commands)
		}
	}()
	return lis.Addr().String()
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, commands map[string]remoteCommand) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs, commands)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, commands map[string]remoteCommand) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		req.Reply(true, nil)

		status := uint32(127)
		if cmd, ok := commands[payload.Command]; ok {
			status = cmd(ch, ch, ch.Stderr())
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func dialTestSession(t *testing.T, addr string) *sshSession {
	t.Helper()
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "tester",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	require.NoError(t, err)

	s := &sshSession{client: client, closeAgent: func() {}, log: slog.Default()}
	t.Cleanup(func() { s.Close() })
	return s
}

func collect(lines *[]string) LineHandler {
	return func(line string) { *lines = append(*lines, line) }
}

// ============================================================================
// Execute
// ============================================================================

func TestExecute_StdinAndLineStreaming(t *testing.T) {
	addr := startSSHServer(t, map[string]remoteCommand{
		"./prepare_and_launch.sh": func(stdin io.Reader, stdout, _ io.Writer) uint32 {
			answers, _ := io.ReadAll(stdin)
			fmt.Fprintf(stdout, "got %q\r\n", answers)
			fmt.Fprint(stdout, "Batch ID: A1\r\n")
			fmt.Fprint(stdout, "Submitted batch job 101\n")
			fmt.Fprint(stdout, "Submitted batch job 102")
			return 0
		},
	})
	s := dialTestSession(t, addr)

	var lines []string
	status, err := s.Execute(context.Background(), "./prepare_and_launch.sh", "y\n2\n", collect(&lines))

	require.NoError(t, err)
	assert.Zero(t, status)
	assert.Equal(t, []string{
		`got "y\n2\n"`,
		"Batch ID: A1",
		"Submitted batch job 101",
		"Submitted batch job 102",
	}, lines)
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	addr := startSSHServer(t, map[string]remoteCommand{
		"./merge_db.sh": func(_ io.Reader, stdout, stderr io.Writer) uint32 {
			fmt.Fprintln(stdout, "merging")
			fmt.Fprintln(stderr, "database locked")
			return 3
		},
	})
	s := dialTestSession(t, addr)

	var lines []string
	status, err := s.Execute(context.Background(), "./merge_db.sh", "", collect(&lines))

	require.NoError(t, err)
	assert.Equal(t, 3, status)
	assert.Equal(t, []string{"merging"}, lines)
}

func TestExecute_OneSessionRunsSeveralCommands(t *testing.T) {
	addr := startSSHServer(t, map[string]remoteCommand{
		"sacct -j 1": func(_ io.Reader, stdout, _ io.Writer) uint32 {
			fmt.Fprintln(stdout, "COMPLETED")
			return 0
		},
		"sacct -j 2": func(_ io.Reader, stdout, _ io.Writer) uint32 {
			fmt.Fprintln(stdout, "RUNNING")
			return 0
		},
	})
	s := dialTestSession(t, addr)

	for cmd, want := range map[string]string{"sacct -j 1": "COMPLETED", "sacct -j 2": "RUNNING"} {
		var lines []string
		status, err := s.Execute(context.Background(), cmd, "", collect(&lines))
		require.NoError(t, err)
		assert.Zero(t, status)
		assert.Equal(t, []string{want}, lines)
	}
}

func TestExecute_LongLinesDoNotStallOutput(t *testing.T) {
	addr := startSSHServer(t, map[string]remoteCommand{
		"./noisy.sh": func(_ io.Reader, stdout, stderr io.Writer) uint32 {
			fmt.Fprintln(stderr, strings.Repeat("w", 512*1024))
			fmt.Fprintln(stderr, "after the long warning")
			fmt.Fprintln(stdout, strings.Repeat("x", 2*maxLineBytes))
			fmt.Fprintln(stdout, "Submitted batch job 7")
			return 0
		},
	})
	s := dialTestSession(t, addr)

	var lines []string
	status, err := s.Execute(context.Background(), "./noisy.sh", "", collect(&lines))

	require.NoError(t, err)
	assert.Zero(t, status)
	require.Len(t, lines, 2)
	assert.Len(t, lines[0], maxLineBytes, "an over-long line is cut, not fatal")
	assert.Equal(t, "Submitted batch job 7", lines[1])
}

func TestExecute_ClosedSession(t *testing.T) {
	addr := startSSHServer(t, map[string]remoteCommand{})
	s := dialTestSession(t, addr)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "closing twice is a no-op")

	_, err := s.Execute(context.Background(), "true", "", nil)
	assert.ErrorIs(t, err, ErrSession)
}

// ============================================================================
// readLines
// ============================================================================

type failingReader struct {
	data io.Reader
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	n, err := r.data.Read(p)
	if errors.Is(err, io.EOF) {
		return n, r.err
	}
	return n, err
}

func TestReadLines(t *testing.T) {
	var lines []string
	err := readLines(strings.NewReader("a\r\nb\n\nc"), func(line string) { lines = append(lines, line) })
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "", "c"}, lines)
}

func TestReadLines_ReadError(t *testing.T) {
	broken := errors.New("channel reset")
	var lines []string
	err := readLines(&failingReader{data: strings.NewReader("first\nsecond"), err: broken},
		func(line string) { lines = append(lines, line) })

	assert.ErrorIs(t, err, broken)
	assert.Equal(t, []string{"first", "second"}, lines)
}
