package allowlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAllowlist(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "allowlist.json")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	p := writeAllowlist(t, "{not json")
	_, err := Load(p)
	assert.Error(t, err)
}

func TestCheckRejectsUnknownCommand(t *testing.T) {
	l := &List{Entries: map[string]Entry{}}
	d := l.Check(Command{Cmd: "/usr/bin/systemctl", Args: []string{"status"}, CWD: "/"})
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyNotAllowed, d.Code)
}

func TestCheckEnforcesArgsLimit(t *testing.T) {
	l := &List{Entries: map[string]Entry{
		"/usr/bin/systemctl": {Path: "/usr/bin/systemctl", MaxArgs: 1, Subcommands: []string{"status"}},
	}}
	d := l.Check(Command{Cmd: "/usr/bin/systemctl", Args: []string{"status", "extra"}, CWD: "/"})
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyArgsLimit, d.Code)
}

func TestCheckEnforcesSubcommand(t *testing.T) {
	l := &List{Entries: map[string]Entry{
		"/usr/bin/systemctl": {Path: "/usr/bin/systemctl", MaxArgs: 2, Subcommands: []string{"status", "restart", "is-active"}},
	}}
	ok := l.Check(Command{Cmd: "/usr/bin/systemctl", Args: []string{"restart", "sensor-bridge.service"}, CWD: "/"})
	assert.True(t, ok.Allowed)

	denied := l.Check(Command{Cmd: "/usr/bin/systemctl", Args: []string{"stop", "sensor-bridge.service"}, CWD: "/"})
	assert.False(t, denied.Allowed)
	assert.Equal(t, DenySubcommandDenied, denied.Code)
}

func TestCheckEnforcesUnitAllowlist(t *testing.T) {
	l := &List{Entries: map[string]Entry{
		"/usr/bin/systemctl": {
			Path:         "/usr/bin/systemctl",
			MaxArgs:      2,
			Subcommands:  []string{"restart"},
			AllowedUnits: []string{"sensor-bridge.service"},
		},
	}}
	denied := l.Check(Command{Cmd: "/usr/bin/systemctl", Args: []string{"restart", "sshd.service"}, CWD: "/"})
	assert.False(t, denied.Allowed)
	assert.Equal(t, DenyUnitDenied, denied.Code)
}

func TestCheckEnforcesCWDContainment(t *testing.T) {
	allowedRoot := t.TempDir()
	l := &List{Entries: map[string]Entry{
		"/bin/df": {Path: "/bin/df", MaxArgs: 1, AllowedCWDs: []string{allowedRoot}},
	}}
	ok := l.Check(Command{Cmd: "/bin/df", Args: []string{"-h"}, CWD: allowedRoot})
	assert.True(t, ok.Allowed)

	denied := l.Check(Command{Cmd: "/bin/df", Args: []string{"-h"}, CWD: "/etc"})
	assert.False(t, denied.Allowed)
	assert.Equal(t, DenyCWDDenied, denied.Code)
}

func TestCheckEnforcesCIDRTargets(t *testing.T) {
	l := &List{Entries: map[string]Entry{
		"/usr/bin/nmap": {Path: "/usr/bin/nmap", MaxArgs: 3, AllowedTargets: []string{"10.0.0.0/24"}},
	}}
	ok := l.Check(Command{Cmd: "/usr/bin/nmap", Args: []string{"-F", "10.0.0.5"}, CWD: "/"})
	assert.True(t, ok.Allowed)

	denied := l.Check(Command{Cmd: "/usr/bin/nmap", Args: []string{"-F", "8.8.8.8"}, CWD: "/"})
	assert.False(t, denied.Allowed)
	assert.Equal(t, DenyTargetDenied, denied.Code)
}

func TestCheckEnforcesFlagAllowDeny(t *testing.T) {
	l := &List{Entries: map[string]Entry{
		"/usr/bin/nmap": {
			Path:           "/usr/bin/nmap",
			MaxArgs:        3,
			AllowedFlags:   []string{"-F", "-sn"},
			DeniedFlags:    []string{"--script"},
			AllowedTargets: []string{"10.0.0.0/24"},
		},
	}}
	deniedFlag := l.Check(Command{Cmd: "/usr/bin/nmap", Args: []string{"--script", "10.0.0.5"}, CWD: "/"})
	assert.Equal(t, DenyFlagDenied, deniedFlag.Code)

	notAllowed := l.Check(Command{Cmd: "/usr/bin/nmap", Args: []string{"-A", "10.0.0.5"}, CWD: "/"})
	assert.Equal(t, DenyFlagNotAllowed, notAllowed.Code)
}

func TestCheckEnforcesPathPrefixes(t *testing.T) {
	l := &List{Entries: map[string]Entry{
		"/bin/cat": {Path: "/bin/cat", MaxArgs: 1, PathPrefixes: []string{"/var/log/"}},
	}}
	ok := l.Check(Command{Cmd: "/bin/cat", Args: []string{"/var/log/syslog"}, CWD: "/"})
	assert.True(t, ok.Allowed)

	denied := l.Check(Command{Cmd: "/bin/cat", Args: []string{"/etc/shadow"}, CWD: "/"})
	assert.False(t, denied.Allowed)
	assert.Equal(t, DenyPathDenied, denied.Code)
}
