package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// PasswordSSH runs commands through an in-process SSH session authenticated
// with a password. Elevated commands for non-root users run as `sudo -S`
// inside a PTY and receive the password on stdin after SudoDelay.
type PasswordSSH struct {
	DialTimeout time.Duration
	SudoDelay   time.Duration
}

// Run executes req over a fresh SSH connection.
func (p PasswordSSH) Run(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	client, err := p.dial(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = stdoutFor(req, &stdout)
	session.Stderr = &stderr

	command := req.Command
	sudo := req.Elevated && !IsRoot(req.User)
	var stdin io.WriteCloser
	if req.Stdin != nil && !sudo {
		session.Stdin = req.Stdin
	}
	if sudo {
		modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
		if err := session.RequestPty("xterm", 40, 200, modes); err != nil {
			return Result{}, fmt.Errorf("request pty: %w", err)
		}
		if stdin, err = session.StdinPipe(); err != nil {
			return Result{}, fmt.Errorf("open stdin: %w", err)
		}
		command = sudoCommand("sudo -S", command)
	}
	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("start command: %w", err)
	}
	if sudo {
		go p.feedPassword(ctx, stdin, req.Password)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		<-done
		return collect(&stdout, &stderr, sudo), timeoutOr(ctx, ctx.Err())
	}

	res := collect(&stdout, &stderr, sudo)
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &ExitError{Code: res.ExitCode}
	}
	return res, fmt.Errorf("wait command: %w", err)
}

func (p PasswordSSH) dial(ctx context.Context, req Request) (*ssh.Client, error) {
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	password := req.Password
	auth := []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}
	if key := strings.TrimSpace(req.PrivateKey); key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append([]ssh.AuthMethod{ssh.PublicKeys(signer)}, auth...)
	}
	config := &ssh.ClientConfig{
		User:            req.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(req.Host, strconv.Itoa(port(req.Port)))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, timeoutOr(ctx, fmt.Errorf("dial %s: %w", addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, ErrAuthFailed
		}
		return nil, timeoutOr(ctx, fmt.Errorf("ssh handshake: %w", err))
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (p PasswordSSH) feedPassword(ctx context.Context, stdin io.WriteCloser, password string) {
	delay := p.SudoDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		_, _ = io.WriteString(stdin, password+"\n")
	case <-ctx.Done():
	}
}

// collect drops the sudo prompt echoed through the PTY.
func collect(stdout, stderr *bytes.Buffer, sudo bool) Result {
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if !sudo {
		return res
	}
	lines := strings.Split(res.Stdout, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "[sudo] password for") {
			continue
		}
		kept = append(kept, line)
	}
	res.Stdout = strings.Join(kept, "\n")
	return res
}
