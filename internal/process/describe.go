package process

import (
	"context"
	"fmt"

	gprocess "github.com/shirou/gopsutil/v4/process"
)

// Info is a best-effort snapshot of a running process, used for log context.
type Info struct {
	PID        int
	Name       string
	Cmdline    string
	RSSBytes   uint64
	CPUSeconds float64
}

// Describe inspects the process with the given pid.
// Fields that cannot be read are left zero; an error is returned only when
// the process cannot be found at all.
func Describe(ctx context.Context, pid int) (Info, error) {
	info := Info{PID: pid}

	p, err := gprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return info, fmt.Errorf("describe pid %d: %w", pid, err)
	}

	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil {
		info.Cmdline = cmdline
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if times, err := p.TimesWithContext(ctx); err == nil && times != nil {
		info.CPUSeconds = times.User + times.System
	}

	return info, nil
}
