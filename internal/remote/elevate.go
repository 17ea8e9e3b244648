package remote

import (
	"os/user"
	"strings"
)

// elevate prefixes command with sudo unless the login user is root.
func elevate(command, login string) string {
	if IsRoot(login) {
		return command
	}
	if !compound(command) && strings.HasPrefix(strings.TrimSpace(command), "sudo ") {
		return command
	}
	return sudoCommand("sudo", command)
}

// sudoCommand runs command under prefix. Compound commands go through bash -c so
// every part of them is elevated, not just the first.
func sudoCommand(prefix, command string) string {
	if compound(command) {
		return prefix + " bash -c " + Quote(command)
	}
	return prefix + " " + command
}

func compound(command string) bool {
	return strings.ContainsAny(command, "&|;<>`\n") || strings.Contains(command, "$(")
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
