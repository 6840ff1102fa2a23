package flamegraph

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/pprof/profile"
)

// Folded is a set of collapsed call stacks ("root;caller;leaf weight"),
// the format stackcollapse scripts produce and flamegraph.pl consumes.
type Folded struct {
	order   []string
	weights map[string]int64
}

// ParseFolded reads collapsed-stack lines. Repeated stacks are summed.
// Blank lines are ignored; a line without a trailing integer weight is an
// error.
func ParseFolded(r io.Reader) (*Folded, error) {
	f := &Folded{weights: make(map[string]int64)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sep := strings.LastIndexAny(line, " \t")
		if sep <= 0 {
			return nil, fmt.Errorf("folded line %d: missing weight: %q", lineNo, line)
		}
		weight, err := strconv.ParseInt(line[sep+1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("folded line %d: bad weight: %w", lineNo, err)
		}
		f.Add(strings.TrimSpace(line[:sep]), weight)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read folded stacks: %w", err)
	}

	return f, nil
}

// Add adds weight to stack.
func (f *Folded) Add(stack string, weight int64) {
	if _, ok := f.weights[stack]; !ok {
		f.order = append(f.order, stack)
	}
	f.weights[stack] += weight
}

// Len returns the number of distinct stacks.
func (f *Folded) Len() int {
	return len(f.order)
}

// Weight returns the total weight recorded for stack.
func (f *Folded) Weight(stack string) int64 {
	return f.weights[stack]
}

// Total returns the sum of all weights.
func (f *Folded) Total() int64 {
	var total int64
	for _, w := range f.weights {
		total += w
	}
	return total
}

// Stacks returns the distinct stacks in first-seen order.
func (f *Folded) Stacks() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Profile converts the stacks into a pprof CPU sample profile.
// Frames are root first in folded form and leaf first in pprof.
func (f *Folded) Profile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
	}

	functions := make(map[string]*profile.Function)
	locations := make(map[string]*profile.Location)

	location := func(name string) *profile.Location {
		if loc, ok := locations[name]; ok {
			return loc
		}
		fn := &profile.Function{
			ID:         uint64(len(functions) + 1),
			Name:       name,
			SystemName: name,
		}
		functions[name] = fn
		p.Function = append(p.Function, fn)

		loc := &profile.Location{
			ID:   uint64(len(locations) + 1),
			Line: []profile.Line{{Function: fn}},
		}
		locations[name] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, stack := range f.order {
		frames := strings.Split(stack, ";")
		locs := make([]*profile.Location, 0, len(frames))
		for i := len(frames) - 1; i >= 0; i-- {
			locs = append(locs, location(frames[i]))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{f.weights[stack]},
		})
	}

	return p
}

// WritePprof writes the stacks to path as a gzipped pprof protobuf.
func (f *Folded) WritePprof(path string) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}

	// profile.Write gzips its output.
	if err := f.Profile().Write(out); err != nil {
		out.Close()
		return fmt.Errorf("write pprof: %w", err)
	}
	return out.Close()
}

// ReadPprof reads a pprof profile (gzipped or not) back into folded form.
func ReadPprof(r io.Reader) (*Folded, error) {
	p, err := profile.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse pprof: %w", err)
	}

	f := &Folded{weights: make(map[string]int64)}
	for _, s := range p.Sample {
		frames := make([]string, 0, len(s.Location))
		for i := len(s.Location) - 1; i >= 0; i-- {
			for _, line := range s.Location[i].Line {
				frames = append(frames, line.Function.Name)
			}
		}
		if len(s.Value) > 0 {
			f.Add(strings.Join(frames, ";"), s.Value[0])
		}
	}
	return f, nil
}
