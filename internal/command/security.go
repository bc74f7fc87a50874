package command

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/ptyhub/mcp-pty/internal/errdefs"
)

// ConsentEnv bypasses the dangerous-command policy when set to any
// non-empty value. Every bypass is logged.
const ConsentEnv = "MCP_PTY_USER_CONSENT_FOR_DANGEROUS_ACTIONS"

// privilegeEscalationNames are command heads refused outright.
var privilegeEscalationNames = map[string]bool{
	"sudo":    true,
	"doas":    true,
	"su":      true,
	"run0":    true,
	"pkexec":  true,
	"dzdo":    true,
	"pfexec":  true,
	"sesu":    true,
	"usermod": true,
	"chown":   true,
	"passwd":  true,
	"visudo":  true,
	"vipw":    true,
	"vigr":    true,
}

var (
	mkfsGlob     = glob.MustCompile("mkfs.*")
	ddTargetGlob = glob.MustCompile("of=/dev/sd[a-z]*")
	blockDevGlob = glob.MustCompile("/dev/sd[a-z]*")
)

// ConsentGranted reports whether the user opted in to dangerous actions.
func ConsentGranted() bool {
	return os.Getenv(ConsentEnv) != ""
}

// applyConsent drops a security refusal when consent is granted, logging
// the refusal it swallowed.
func applyConsent(err error) error {
	if err == nil || !ConsentGranted() {
		return err
	}
	slog.Warn("dangerous-command validation bypassed by user consent", "refusal", err.Error())
	return nil
}

func headName(token string) string {
	return filepath.Base(token)
}

// checkCall applies the policy to one command invocation with its
// literal arguments.
func checkCall(head string, args []string) error {
	name := headName(head)
	if privilegeEscalationNames[name] {
		return errdefs.Security("refusing privilege escalation via %q", name)
	}
	if name == "mkfs" || mkfsGlob.Match(name) {
		return errdefs.Security("refusing filesystem format command %q", name)
	}
	switch name {
	case "rm":
		if hasRecursiveForce(args) && hasRootArg(args) {
			return errdefs.Security("refusing recursive force removal of /")
		}
	case "chmod":
		for _, a := range args {
			if strings.Contains(a, "777") {
				return errdefs.Security("refusing world-writable permission change %q", a)
			}
		}
	case "dd":
		for _, a := range args {
			if ddTargetGlob.Match(a) {
				return errdefs.Security("refusing raw write to block device %q", a)
			}
		}
	}
	return nil
}

// hasRecursiveForce reports whether the flag arguments combine -r and -f
// in any order or grouping.
func hasRecursiveForce(args []string) bool {
	var r, f bool
	for _, a := range args {
		if !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") {
			continue
		}
		for _, c := range a[1:] {
			switch c {
			case 'r':
				r = true
			case 'f':
				f = true
			}
		}
	}
	return r && f
}

func hasRootArg(args []string) bool {
	for _, a := range args {
		if a == "/" {
			return true
		}
	}
	return false
}

// checkRedirectTarget refuses redirections onto raw block devices.
func checkRedirectTarget(target string) error {
	if blockDevGlob.Match(target) {
		return errdefs.Security("refusing redirection to block device %q", target)
	}
	return nil
}

// checkShellHead refuses shell-form command lines whose first token is a
// privilege-escalation name.
func checkShellHead(raw string) error {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	if name := headName(fields[0]); privilegeEscalationNames[name] {
		return errdefs.Security("refusing privilege escalation via %q", name)
	}
	return nil
}

// ValidateRaw applies the policy to a command line the POSIX parser
// could not handle, treating whitespace-separated tokens as the
// invocation.
func ValidateRaw(raw string) error {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	if err := checkCall(fields[0], fields[1:]); err != nil {
		return err
	}
	for i, f := range fields {
		rest, ok := cutRedirect(strings.TrimLeft(f, "0123456789"))
		if !ok {
			continue
		}
		target := rest
		if target == "" && i+1 < len(fields) {
			target = fields[i+1]
		}
		if err := checkRedirectTarget(target); err != nil {
			return err
		}
	}
	return nil
}

func cutRedirect(s string) (string, bool) {
	for _, op := range []string{">>", ">", "<<", "<"} {
		if rest, ok := strings.CutPrefix(s, op); ok {
			return rest, true
		}
	}
	return "", false
}

// GuardInput applies the privilege-escalation rule to bytes written into
// a live PTY, refusing lines that invoke an escalation command.
func GuardInput(data string) error {
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if name := headName(fields[0]); privilegeEscalationNames[name] {
			return applyConsent(errdefs.Security("refusing input invoking %q without consent", name))
		}
	}
	return nil
}
