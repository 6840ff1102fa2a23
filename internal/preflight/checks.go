// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-perf-shooter/internal/process"
)

// Note: syscall.RLIMIT_NPROC is not exported in Go's syscall package,
// so we read process limits from /proc/self/limits instead.

// paranoidPath is the kernel knob that gates unprivileged perf_event_open.
var paranoidPath = "/proc/sys/kernel/perf_event_paranoid"

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options describes the session being checked. The server command is not
// checked: a missing server is reported by the session itself.
type Options struct {
	Shots           int
	RequestCommand  string
	ProfilerCommand string
	Stages          []string
	ArtifactPath    string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 6+len(opts.Stages)),
		Passed: true,
	}

	result.add(checkFileDescriptors(len(opts.Stages)))
	result.add(checkProcessLimit(len(opts.Stages)))

	// Tools
	result.add(checkExecutable("request_tool", opts.RequestCommand))
	result.add(checkExecutable("profiler", opts.ProfilerCommand))

	// Warnings only; the session reports these after the load has run.
	for i, s := range opts.Stages {
		result.add(advisory(checkExecutable(fmt.Sprintf("stage_%d", i+1), s)))
	}
	result.add(checkPerfParanoid(paranoidPath, opts.ProfilerCommand))
	result.add(checkEphemeralPorts(opts.Shots))
	result.add(advisory(checkOutputDir(opts.ArtifactPath)))

	return result
}

// advisory turns a failed check into a warning.
func advisory(c Check) Check {
	if !c.Passed {
		c.Passed = true
		c.Warning = true
	}
	return c
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(stages int) Check {
	var limit syscall.Rlimit
	syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit)

	// Two pipe ends plus stderr per stage, the profile and artifact files,
	// a handful per child process, plus the metrics server and logging.
	required := stages*4 + 64
	actual := int(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d stages)", actual, required, stages),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(stages int) Check {
	// server, profiler, one request at a time, every stage, and headroom
	// for whatever those spawn themselves (sudo, shells).
	required := stages*2 + 50

	// Read soft limit from /proc/self/limits
	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		// Non-Linux or restricted access, assume OK
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses returns the soft "Max processes" limit from the
// contents of /proc/self/limits, 0 if absent.
func parseMaxProcesses(limits string) int {
	for _, line := range strings.Split(limits, "\n") {
		if !strings.HasPrefix(line, "Max processes") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return 0
		}
		if fields[2] == "unlimited" {
			return 1000000
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// toolOf returns the executable a command template runs, looking through a
// leading sudo and its flags. sudoed reports whether sudo was present.
func toolOf(command string) (tool string, sudoed bool, err error) {
	argv, err := process.SplitCommand(command)
	if err != nil {
		return "", false, err
	}
	if argv[0] != "sudo" {
		return argv[0], false, nil
	}
	for _, a := range argv[1:] {
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a, true, nil
	}
	return "", true, process.ErrEmptyCommand
}

// checkExecutable verifies the tool a command runs can be found, and sudo
// too if the command goes through it.
func checkExecutable(name, command string) Check {
	tool, sudoed, err := toolOf(command)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("bad command %q: %v", command, err),
		}
	}

	if sudoed {
		if _, err := exec.LookPath("sudo"); err != nil {
			return Check{
				Name:    name,
				Passed:  false,
				Message: fmt.Sprintf("sudo not found: %v", err),
			}
		}
	}

	path, err := exec.LookPath(tool)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s not found: %v", tool, err),
		}
	}

	msg := "found at " + path
	if sudoed {
		msg += " (via sudo)"
	}
	return Check{
		Name:    name,
		Passed:  true,
		Message: msg,
	}
}

// checkPerfParanoid warns when the kernel will refuse an unprivileged
// profiler. Levels above 1 block attaching to another process without
// CAP_PERFMON.
func checkPerfParanoid(path, profilerCommand string) Check {
	_, sudoed, _ := toolOf(profilerCommand)

	data, err := os.ReadFile(path)
	if err != nil {
		return Check{
			Name:    "perf_event_paranoid",
			Passed:  true,
			Warning: !sudoed,
			Message: "unable to read (non-Linux?)",
		}
	}

	level, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Check{
			Name:    "perf_event_paranoid",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unparseable value %q", strings.TrimSpace(string(data))),
		}
	}

	if level > 1 && !sudoed {
		return Check{
			Name:    "perf_event_paranoid",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("level %d blocks an unprivileged profiler", level),
		}
	}
	return Check{
		Name:    "perf_event_paranoid",
		Passed:  true,
		Message: fmt.Sprintf("level %d", level),
	}
}

// checkEphemeralPorts checks if enough ephemeral ports are available.
func checkEphemeralPorts(shots int) Check {
	// Read ephemeral port range
	data, err := os.ReadFile("/proc/sys/net/ipv4/ip_local_port_range")
	if err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: "unable to read port range (non-Linux?)",
		}
	}

	var low, high int
	fmt.Sscanf(string(data), "%d %d", &low, &high)
	available := high - low

	// Every shot is a fresh connection left in TIME_WAIT.
	recommended := shots

	return Check{
		Name:     "ephemeral_ports",
		Required: recommended,
		Actual:   available,
		Passed:   true, // Don't fail on this
		Warning:  available < recommended,
		Message:  fmt.Sprintf("%d-%d (%d available, recommend %d)", low, high, available, recommended),
	}
}

// checkOutputDir verifies the artifact's directory is writable.
func checkOutputDir(artifactPath string) Check {
	dir := filepath.Dir(artifactPath)
	if err := unix.Access(dir, unix.W_OK); err != nil {
		return Check{
			Name:    "output_dir",
			Passed:  false,
			Message: fmt.Sprintf("%s not writable: %v", dir, err),
		}
	}
	return Check{
		Name:    "output_dir",
		Passed:  true,
		Message: dir + " writable",
	}
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case name == "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case name == "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case name == "request_tool":
		return "install curl (apt install curl) or set --request-cmd"
	case name == "profiler":
		return "install perf (apt install linux-tools-generic) or set --profiler-cmd"
	case strings.HasPrefix(name, "stage_"):
		return "git clone https://github.com/brendangregg/FlameGraph, or set --stage"
	case name == "perf_event_paranoid":
		return "sysctl kernel.perf_event_paranoid=1, or run the profiler under sudo"
	case name == "ephemeral_ports":
		return "sysctl net.ipv4.ip_local_port_range=\"1024 65535\""
	case name == "output_dir":
		return "choose a writable --output path"
	default:
		return "see documentation"
	}
}
