package action

import (
	"regexp"
	"strings"
)

// Failure headers surfaced in alerts and error messages.
const (
	HeaderShellFailed = "Failed To Execute Shell Command"
	HeaderBuildFailed = "Build Failed"
	HeaderStartFailed = "Failed To Start Application"
)

// noOutputPlaceholder substitutes for empty command output so failure
// messages always carry a body.
const noOutputPlaceholder = "No Output Available"

// CommandError is a classified command failure: a stable header naming
// the failure class plus the cleaned output of the failing command.
// Only CommandError values trigger the alert callback.
type CommandError struct {
	Header   string
	Command  string
	ExitCode int
	Output   string
}

// NewCommandError builds a classified error for a command that exited
// nonzero. Empty output is replaced with a placeholder; otherwise the
// captured text is kept verbatim apart from the per-command deny-list
// cleaning.
func NewCommandError(header, command string, exitCode int, output string) *CommandError {
	if strings.TrimSpace(output) == "" {
		output = noOutputPlaceholder
	} else {
		output = CleanCommandOutput(command, output)
	}
	return &CommandError{
		Header:   header,
		Command:  command,
		ExitCode: exitCode,
		Output:   output,
	}
}

func (e *CommandError) Error() string {
	return e.Header + "\n\n" + e.Output
}

// lintCommand is the one command whose output is scrubbed of known noise
// before being shown to users or returned over the tool-call bridge.
const lintCommand = "npm run lint"

// lintNoiseDenyList holds substrings that mark a lint output line as
// tooling noise rather than a diagnostic.
var lintNoiseDenyList = []string{
	"npm warn",
	"npm notice",
	"> lint",
	"> eslint",
	"Debugger attached",
	"Waiting for the debugger to disconnect",
}

// CleanCommandOutput removes deny-listed noise lines from output when the
// command matches the lint command. All other commands pass through
// unchanged. Line order among survivors is preserved.
func CleanCommandOutput(command, output string) string {
	if strings.TrimSpace(command) != lintCommand {
		return output
	}
	lines := strings.Split(output, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if lintNoiseLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func lintNoiseLine(line string) bool {
	for _, marker := range lintNoiseDenyList {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

var wordConvex = regexp.MustCompile(`\bconvex\b`)

// mentionsConvex reports whether s contains "convex" as a whole word.
// "convexhull" does not match.
func mentionsConvex(s string) bool {
	return wordConvex.MatchString(s)
}
