package process

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// Placeholders understood by command templates.
const (
	PlaceholderPID      = "{pid}"
	PlaceholderProfile  = "{profile}"
	PlaceholderEndpoint = "{endpoint}"
)

// ErrEmptyCommand is returned when a command line contains no words.
var ErrEmptyCommand = errors.New("empty command")

// SplitCommand splits a command line into executable and arguments using
// shell quoting rules. No shell is involved: pipes and redirections are
// passed through as literal arguments.
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("split command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}
	return argv, nil
}

// Expand substitutes placeholder values into a command template.
// Values are quoted when needed so that SplitCommand yields each one as a
// single argument.
func Expand(template string, values map[string]string) string {
	pairs := make([]string, 0, 2*len(values))
	for k, v := range values {
		pairs = append(pairs, k, quoteArg(v))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// quoteArg single-quotes s if it contains characters that shell splitting
// would interpret.
func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ProfilerCommand builds the command line that attaches the profiler to a
// running process.
type ProfilerCommand struct {
	// Template is the command line with {pid} and {profile} placeholders,
	// e.g. "sudo perf record -o {profile} -p {pid}".
	Template string

	// ProfilePath is where the profiler writes its data.
	ProfilePath string
}

// Build returns the profiler command line for the target pid.
func (p ProfilerCommand) Build(pid int) string {
	return Expand(p.Template, map[string]string{
		PlaceholderPID:     strconv.Itoa(pid),
		PlaceholderProfile: p.ProfilePath,
	})
}
