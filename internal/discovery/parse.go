package discovery

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	remoteArgPattern = regexp.MustCompile(`^([A-Za-z0-9_][A-Za-z0-9_.@\-]*):(.*)$`)
	drivePattern     = regexp.MustCompile(`^([A-Za-z]):\\?$`)
	// flattened command line form, as reported by Win32_Process
	cmdlinePattern = regexp.MustCompile(`(?i)\b(?:nfs)?mount\s+([A-Za-z0-9_][A-Za-z0-9_.@\-]*):(\S*)\s+([A-Z]):(?:\s|$)`)
)

var mountSubcommands = map[string]bool{"mount": true, "nfsmount": true}

// DiscoveryError describes one process entry that could not be parsed.
// It is logged and skipped; it never fails a scan.
type DiscoveryError struct {
	PID    int32
	Reason string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery: pid %d: %s", e.PID, e.Reason)
}

// IsRcloneExecutable reports whether an executable path or name looks like rclone.
func IsRcloneExecutable(name string) bool {
	base := strings.ToLower(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	return strings.HasPrefix(base, "rclone")
}

// NormalizeDrive turns "x", "x:" or "X:\" into "X"; other mount points are
// returned unchanged.
func NormalizeDrive(target string) string {
	if m := drivePattern.FindStringSubmatch(target); m != nil {
		return strings.ToUpper(m[1])
	}
	if len(target) == 1 && (target[0]|0x20) >= 'a' && (target[0]|0x20) <= 'z' {
		return strings.ToUpper(target)
	}
	return target
}

// ParseArgs extracts the mount from an rclone argv. argv[0] must be the
// executable.
func ParseArgs(pid int32, argv []string) (Found, error) {
	if len(argv) == 0 {
		return Found{}, &DiscoveryError{PID: pid, Reason: "empty argument list"}
	}
	if !IsRcloneExecutable(argv[0]) {
		return Found{}, &DiscoveryError{PID: pid, Reason: "not an rclone executable"}
	}

	sub := -1
	for i, arg := range argv[1:] {
		if mountSubcommands[strings.ToLower(arg)] {
			sub = i + 1
			break
		}
	}
	if sub < 0 {
		return Found{}, &DiscoveryError{PID: pid, Reason: "no mount subcommand"}
	}

	operands := argv[sub+1:]
	remote, path, target := mountOperands(operands, true)
	if remote == "" || target == "" {
		// an unknown boolean flag may have swallowed an operand
		remote, path, target = mountOperands(operands, false)
	}

	if remote == "" {
		return Found{}, &DiscoveryError{PID: pid, Reason: "no remote argument"}
	}
	if target == "" {
		return Found{}, &DiscoveryError{PID: pid, Reason: "no mount point argument"}
	}

	return Found{
		Drive:      NormalizeDrive(target),
		Remote:     remote,
		RemotePath: path,
		PID:        pid,
	}, nil
}

// boolFlags are rclone flags that take no separate value. Any other
// "--flag" without "=" consumes the next token unless it is itself a flag.
var boolFlags = map[string]bool{
	"allow-non-empty": true, "allow-other": true, "allow-root": true,
	"async-read": true, "checksum": true, "daemon": true,
	"debug-fuse": true, "default-permissions": true, "direct-io": true,
	"dry-run": true, "fast-list": true, "human-readable": true,
	"ignore-existing": true, "ignore-size": true, "ignore-times": true,
	"interactive": true, "links": true, "log-systemd": true,
	"network-mode": true, "no-check-certificate": true, "no-checksum": true,
	"no-modtime": true, "no-seek": true, "no-traverse": true,
	"no-update-modtime": true, "noappledouble": true, "noapplexattr": true,
	"progress": true, "quiet": true, "read-only": true,
	"size-only": true, "stats-one-line": true, "update": true,
	"use-json-log": true, "use-mmap": true, "verbose": true,
	"vfs-case-insensitive": true, "vfs-fast-fingerprint": true, "vfs-refresh": true,
	"vfs-used-is-size": true, "write-back-cache": true,
}

func takesValue(flag string) bool {
	if !strings.HasPrefix(flag, "--") || strings.Contains(flag, "=") {
		return false
	}
	return !boolFlags[strings.ToLower(strings.TrimPrefix(flag, "--"))]
}

// mountOperands picks the remote and the mount point out of the arguments
// that follow the mount subcommand. With skipValues set, the token after a
// value-taking flag is never an operand.
func mountOperands(args []string, skipValues bool) (remote, path, target string) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") && arg != "-" {
			if skipValues && takesValue(arg) && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
			}
			continue
		}
		if remote == "" {
			m := remoteArgPattern.FindStringSubmatch(arg)
			if m == nil || isWindowsPath(m[1], m[2]) {
				continue
			}
			remote, path = m[1], m[2]
			continue
		}
		target = arg
		break
	}
	return remote, path, target
}

// ParseCommandLine extracts a drive-letter mount from a flattened command
// line, for platforms that only report the joined string.
func ParseCommandLine(pid int32, cmdline string) (Found, error) {
	m := cmdlinePattern.FindStringSubmatch(cmdline)
	if m == nil {
		return Found{}, &DiscoveryError{PID: pid, Reason: "command line does not match mount signature"}
	}
	return Found{
		Drive:      strings.ToUpper(m[3]),
		Remote:     m[1],
		RemotePath: m[2],
		PID:        pid,
	}, nil
}

// isWindowsPath reports whether a "name:rest" token is really "C:\dir".
func isWindowsPath(name, rest string) bool {
	return len(name) == 1 && (strings.HasPrefix(rest, `\`) || strings.HasPrefix(rest, "/"))
}
