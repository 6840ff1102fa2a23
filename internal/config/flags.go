package config

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// flagCategory groups flags in the usage message.
type flagCategory struct {
	Title string
	Names []string
}

var flagCategories = []flagCategory{
	{"Load", []string{"shots", "cooldown", "seed", "bound", "ammo", "request-cmd", "shot-failure-policy"}},
	{"Profiler", []string{"profiler-cmd", "profile"}},
	{"Post-processing", []string{"stage", "output", "pprof"}},
	{"Observability", []string{"metrics", "verbose", "log-format", "log-level", "tui"}},
	{"Safety & Diagnostics", []string{"print-cmd", "check", "skip-preflight", "self-profile"}},
}

// BindFlags registers the session flags on fs, using the current values
// of cfg as defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	// Load
	fs.IntVar(&cfg.Shots, "shots", cfg.Shots, "Number of requests to fire")
	fs.DurationVar(&cfg.Cooldown, "cooldown", cfg.Cooldown, "Pause after firing each request")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Seed for the endpoint sequence")
	fs.IntVar(&cfg.Bound, "bound", cfg.Bound, "Exclusive upper bound of each random draw")
	fs.StringArrayVar(&cfg.Ammo, "ammo", cfg.Ammo, "Endpoint to shoot at (can repeat; replaces the defaults)")
	fs.StringVar(&cfg.RequestCommand, "request-cmd", cfg.RequestCommand, "Request command template ({endpoint})")
	fs.StringVar(&cfg.ShotFailurePolicy, "shot-failure-policy", cfg.ShotFailurePolicy, `Behavior if a shot cannot be fired: "abort", "skip"`)

	// Profiler
	fs.StringVar(&cfg.ProfilerCommand, "profiler-cmd", cfg.ProfilerCommand, "Profiler command template ({pid}, {profile})")
	fs.StringVar(&cfg.ProfilePath, "profile", cfg.ProfilePath, "Profile data file written by the profiler")

	// Post-processing
	fs.StringArrayVar(&cfg.Stages, "stage", cfg.Stages, "Pipeline stage command ({profile}; can repeat; replaces all stages)")
	fs.StringVar(&cfg.ArtifactPath, "output", cfg.ArtifactPath, "Flame graph SVG path")
	fs.StringVar(&cfg.PprofPath, "pprof", cfg.PprofPath, "Also export the collapsed stacks as a pprof profile")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Safety & Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the resolved commands and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config and fire a single verbose shot")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.StringVar(&cfg.SelfProfileDir, "self-profile", cfg.SelfProfileDir, "Write a CPU profile of the shooter itself to this directory")
}

// flagFields copies the field bound to each flag from src to dst.
var flagFields = map[string]func(dst, src *Config){
	"shots":               func(d, s *Config) { d.Shots = s.Shots },
	"cooldown":            func(d, s *Config) { d.Cooldown = s.Cooldown },
	"seed":                func(d, s *Config) { d.Seed = s.Seed },
	"bound":               func(d, s *Config) { d.Bound = s.Bound },
	"ammo":                func(d, s *Config) { d.Ammo = append([]string(nil), s.Ammo...) },
	"request-cmd":         func(d, s *Config) { d.RequestCommand = s.RequestCommand },
	"shot-failure-policy": func(d, s *Config) { d.ShotFailurePolicy = s.ShotFailurePolicy },
	"profiler-cmd":        func(d, s *Config) { d.ProfilerCommand = s.ProfilerCommand },
	"profile":             func(d, s *Config) { d.ProfilePath = s.ProfilePath },
	"stage":               func(d, s *Config) { d.Stages = append([]string(nil), s.Stages...) },
	"output":              func(d, s *Config) { d.ArtifactPath = s.ArtifactPath },
	"pprof":               func(d, s *Config) { d.PprofPath = s.PprofPath },
	"metrics":             func(d, s *Config) { d.MetricsAddr = s.MetricsAddr },
	"verbose":             func(d, s *Config) { d.Verbose = s.Verbose },
	"log-format":          func(d, s *Config) { d.LogFormat = s.LogFormat },
	"log-level":           func(d, s *Config) { d.LogLevel = s.LogLevel },
	"tui":                 func(d, s *Config) { d.TUIEnabled = s.TUIEnabled },
	"print-cmd":           func(d, s *Config) { d.PrintCmd = s.PrintCmd },
	"check":               func(d, s *Config) { d.Check = s.Check },
	"skip-preflight":      func(d, s *Config) { d.SkipPreflight = s.SkipPreflight },
	"self-profile":        func(d, s *Config) { d.SelfProfileDir = s.SelfProfileDir },
}

// MergeFlags copies every flag explicitly set on fs from src (the struct
// the flags were bound to) into dst. Command-line flags win over a config
// file this way.
func MergeFlags(dst, src *Config, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		if copyField, ok := flagFields[f.Name]; ok {
			copyField(dst, src)
		}
	})
}

// PrintUsage writes the flags of fs grouped by category.
func PrintUsage(w io.Writer, fs *pflag.FlagSet) {
	for _, cat := range flagCategories {
		fmt.Fprintf(w, "\n%s Flags:\n", cat.Title)
		for _, name := range cat.Names {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			printFlag(w, f)
		}
	}
}

func printFlag(w io.Writer, f *pflag.Flag) {
	if f.Shorthand != "" {
		fmt.Fprintf(w, "  -%s, --%s", f.Shorthand, f.Name)
	} else {
		fmt.Fprintf(w, "      --%s", f.Name)
	}
	if t := flagType(f); t != "" {
		fmt.Fprintf(w, " %s", t)
	}
	fmt.Fprintf(w, "\n    \t%s", f.Usage)
	switch f.DefValue {
	case "", "false", "0", "0s", "[]":
	default:
		fmt.Fprintf(w, " (default %s)", f.DefValue)
	}
	fmt.Fprintln(w)
}

// flagType returns a type hint for the flag value.
func flagType(f *pflag.Flag) string {
	switch t := f.Value.Type(); t {
	case "bool":
		return ""
	case "stringArray":
		return "string"
	case "int64":
		return "int"
	default:
		return t
	}
}
