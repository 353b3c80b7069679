package sandbox

import (
	"errors"
	"regexp"
	"strings"
)

// blockedPattern pairs a dangerous command pattern with its description.
type blockedPattern struct {
	re   *regexp.Regexp
	desc string
}

func block(pattern, desc string) blockedPattern {
	return blockedPattern{re: regexp.MustCompile(pattern), desc: desc}
}

// blockedCommands are checked against every shell command a cell would run.
var blockedCommands = []blockedPattern{
	// Destructive recursive deletion
	block(`(?i)\brm\s+(-[a-z]*)?-[a-z]*r[a-z]*\s+(-[a-z]*\s+)*(/|~|\$HOME|\.\.|\*)\s*`, "recursive file deletion with dangerous target"),
	block(`(?i)\brm\s+(-[a-z]*\s+)*--no-preserve-root`, "rm with --no-preserve-root flag"),
	block(`(?i)\brm\s+-rf\b`, "rm -rf command"),
	block(`(?i)\brm\s+.*(/etc/passwd|/etc/shadow|/boot/)`, "removal of critical system files"),

	// Disk formatting and raw device access
	block(`(?i)\bmkfs\b`, "mkfs command (filesystem creation)"),
	block(`(?i)\b(fdisk|gdisk|parted|wipefs|blkdiscard|shred)\b`, "disk manipulation command"),
	block(`(?i)\bdd\s+.*\bof\s*=\s*/dev/`, "dd command writing to a device"),
	block(`(?i)>\s*/dev/(sd[a-z]|hd[a-z]|nvme|vd[a-z]|xvd[a-z])`, "redirect to a disk device"),
	block(`(?i)>\s*/(proc|sys)/`, "write to kernel filesystem"),

	// Host state changes
	block(`(?i)\b(shutdown|reboot|poweroff|halt)\b`, "system shutdown command"),
	block(`(?i)\binit\s+[06]\b`, "init 0 or init 6 (system state change)"),
	block(`(?i)\bsystemctl\s+(halt|poweroff|reboot|shutdown)`, "systemctl halt/poweroff/reboot/shutdown"),
	block(`(?i)\bchmod\s+(-[a-z]*\s+)*777\s+/\s*$`, "chmod 777 on root"),

	// Fork bombs
	block(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`, "fork bomb pattern detected"),
	block(`(?i)\bwhile\s+true.*fork`, "while true fork pattern"),

	// Remote code piped to a shell
	block(`(?i)\b(curl|wget)\s+.*\|\s*(ba|z)?sh\b`, "download piped to shell"),
	block(`(?i)(base64\s+-d|base64\s+--decode).*\|\s*(ba|z)?sh\b`, "decoded payload piped to shell"),
}

// shellMagics are cell magics whose body runs in a shell.
var shellMagics = map[string]bool{
	"bash":   true,
	"sh":     true,
	"script": true,
	"system": true,
}

// lineShellMagics are line magics whose argument runs in a shell.
var lineShellMagics = []string{"%system", "%sx", "%sc"}

// ErrBlocked is wrapped by every GuardCode rejection.
var ErrBlocked = errors.New("blocked shell command")

// GuardError reports a blocked command and why.
type GuardError struct {
	Command string
	Reason  string
}

func (e *GuardError) Error() string {
	return e.Reason + ": " + e.Command
}

func (e *GuardError) Unwrap() error {
	return ErrBlocked
}

// GuardCommand checks a single shell command. It returns the reason the
// command is blocked, or "" when it is allowed.
func GuardCommand(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}
	if strings.Contains(command, "\x00") {
		return "null byte injection detected"
	}
	for _, p := range blockedCommands {
		if p.re.MatchString(command) {
			return p.desc
		}
	}
	return ""
}

// GuardCode extracts the shell escapes of a notebook cell ("!cmd",
// "%system cmd", "%%bash" bodies and the like) and checks each with
// GuardCommand. Plain Python is not inspected.
func GuardCode(code string) error {
	for _, cmd := range ShellCommands(code) {
		if reason := GuardCommand(cmd); reason != "" {
			return &GuardError{Command: cmd, Reason: reason}
		}
	}
	return nil
}

// ShellCommands returns the shell commands a cell would run.
func ShellCommands(code string) []string {
	lines := strings.Split(code, "\n")
	if len(lines) == 0 {
		return nil
	}

	first := strings.TrimSpace(lines[0])
	if magic, ok := strings.CutPrefix(first, "%%"); ok {
		name, _, _ := strings.Cut(magic, " ")
		if shellMagics[name] {
			var cmds []string
			for _, l := range lines[1:] {
				if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(l, "#") {
					cmds = append(cmds, l)
				}
			}
			return cmds
		}
		// Other cell magics (%%R, %%time ...) carry no shell escapes of
		// their own; their bodies are checked like ordinary lines.
		lines = lines[1:]
	}

	var cmds []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if cmd, ok := shellEscape(l); ok {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func shellEscape(line string) (string, bool) {
	// x = !ls and !!ls both run ls
	if _, rhs, ok := strings.Cut(line, "= !"); ok && !strings.Contains(line, "==") {
		return strings.TrimLeft(rhs, "!"), true
	}
	if rest, ok := strings.CutPrefix(line, "!"); ok {
		return strings.TrimLeft(rest, "!"), true
	}
	for _, m := range lineShellMagics {
		if rest, ok := strings.CutPrefix(line, m+" "); ok {
			return rest, true
		}
	}
	return "", false
}

// IsCommandSafe is a convenience function that returns true if the command is allowed.
func IsCommandSafe(command string) bool {
	return GuardCommand(command) == ""
}
