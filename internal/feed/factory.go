package feed

import (
	"fmt"
	"strings"
)

// NewSource builds the Source named by mode, per §4.8's READ_MODE values.
// sshTarget is "user@host:port"; eventRoot is the remote (or local) event
// store root.
func NewSource(mode ReadMode, eventRoot, sshTarget, sshKeyPath string) (Source, error) {
	switch mode {
	case ModeLocal, "":
		return &LocalSource{Root: eventRoot}, nil
	case ModeSSH, ModeSSHGuard:
		user, addr, err := splitTarget(sshTarget)
		if err != nil {
			return nil, err
		}
		client, err := DialSSH(addr, user, sshKeyPath)
		if err != nil {
			return nil, fmt.Errorf("feed: dial %s: %w", mode, err)
		}
		return &SSHSource{Client: client, RootPath: eventRoot, Guarded: mode == ModeSSHGuard}, nil
	default:
		return nil, ErrUnknownMode
	}
}

// splitTarget parses "user@host:port" into its user and host:port parts.
func splitTarget(target string) (user, addr string, err error) {
	at := strings.IndexByte(target, '@')
	if at < 0 {
		return "", "", fmt.Errorf("feed: FEED_SSH_TARGET must be user@host:port, got %q", target)
	}
	user = target[:at]
	addr = target[at+1:]
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	return user, addr, nil
}
