// SSHSource reads the remote event store over an SSH session, per
// §4.7/§4.8's ssh and ssh_guard read modes (its Guarded field selects
// the mode). Both modes share the same golang.org/x/crypto/ssh
// transport; ssh_guard additionally routes
// through the remote sshguard binary so the host enforces its own
// allowlist discipline on the read command (§4.8). Per the spec's open
// question (c) this is a convenience toggle, not an auth boundary — both
// are read-only and neither grants write access.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/labctl/fieldplane/internal/envelope"
	"github.com/labctl/fieldplane/internal/eventstore"
)

// maxSSHRetries and sshRetryBackoff bound the retry of transient SSH
// errors (timeouts, exit status 255, connection resets, EOF; see
// isTransientSSHError), per §4.7.
const maxSSHRetries = 2

var sshRetryBackoff = 200 * time.Millisecond

// SSHSource runs `tail`/`ls` over a plain SSH session against the remote
// event store root.
type SSHSource struct {
	Client   *ssh.Client
	RootPath string
	Guarded  bool // true selects the ssh_guard command prefix
}

// DialSSH opens a client connection for the feed's ssh/ssh_guard modes.
func DialSSH(addr, user, keyPath string) (*ssh.Client, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("feed: read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("feed: parse ssh key: %w", err)
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // lab network, host-key pinning is out of scope
		Timeout:         5 * time.Second,
	}
	return ssh.Dial("tcp", addr, cfg)
}

func (s *SSHSource) Days(ctx context.Context) ([]string, error) {
	out, err := s.runWithRetry(ctx, s.lsCommand())
	if err != nil {
		return nil, err
	}
	var days []string
	for _, line := range splitNonEmptyLines(out) {
		days = append(days, line)
	}
	return days, nil
}

func (s *SSHSource) ReadDay(ctx context.Context, day string, maxLines int) (*eventstore.ReadResult, error) {
	out, err := s.runWithRetry(ctx, s.tailCommand(day, maxLines))
	if err != nil {
		return nil, err
	}

	res := &eventstore.ReadResult{}
	for _, line := range splitNonEmptyLines(out) {
		env, perr := envelope.Parse([]byte(line))
		if perr != nil || env.Type == "" || env.Src == "" || env.TsMs == 0 {
			res.MalformedLinesSkipped++
			continue
		}
		res.Events = append(res.Events, env)
	}
	return res, nil
}

func (s *SSHSource) lsCommand() string {
	dir := filepath.Join(s.RootPath, "events")
	if s.Guarded {
		return fmt.Sprintf("sshguard exec '{\"cmd\":\"/bin/ls\",\"args\":[%q]}'", dir)
	}
	return fmt.Sprintf("ls -1 %s", shellQuote(dir))
}

func (s *SSHSource) tailCommand(day string, maxLines int) string {
	path := filepath.Join(s.RootPath, "events", day, "ingest.ndjson")
	if s.Guarded {
		return fmt.Sprintf("sshguard exec '{\"cmd\":\"/usr/bin/tail\",\"args\":[\"-n\",\"%d\",%q]}'", maxLines, path)
	}
	return fmt.Sprintf("tail -n %d %s 2>/dev/null", maxLines, shellQuote(path))
}

func (s *SSHSource) runWithRetry(ctx context.Context, cmd string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxSSHRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(sshRetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		out, err := s.runOnce(cmd)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isTransientSSHError(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (s *SSHSource) runOnce(cmd string) (string, error) {
	session, err := s.Client.NewSession()
	if err != nil {
		return "", fmt.Errorf("feed: open ssh session: %w", err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(cmd); err != nil {
		return "", fmt.Errorf("feed: ssh command failed: %w", err)
	}
	return stdout.String(), nil
}

func isTransientSSHError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return bytes.Contains([]byte(msg), []byte("timeout")) ||
		bytes.Contains([]byte(msg), []byte("255")) ||
		bytes.Contains([]byte(msg), []byte("connection reset")) ||
		bytes.Contains([]byte(msg), []byte("EOF"))
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

var _ Source = (*SSHSource)(nil)
