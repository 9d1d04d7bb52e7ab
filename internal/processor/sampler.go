package processor

import (
	"os"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/process"
)

// memorySampler tracks the process resident-set high watermark. Sampling is
// opportunistic at row boundaries, so samples land between I/O waits and
// cost nothing on the hot path when disabled.
type memorySampler struct {
	proc *process.Process
	peak atomic.Uint64
}

func newMemorySampler() *memorySampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &memorySampler{}
	}
	return &memorySampler{proc: proc}
}

// Sample records the current RSS if it exceeds the peak so far. Safe for
// concurrent use by the reduce range workers.
func (m *memorySampler) Sample() {
	if m == nil || m.proc == nil {
		return
	}
	info, err := m.proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	for {
		cur := m.peak.Load()
		if info.RSS <= cur || m.peak.CompareAndSwap(cur, info.RSS) {
			return
		}
	}
}

// Peak returns the highest RSS observed.
func (m *memorySampler) Peak() uint64 {
	if m == nil {
		return 0
	}
	return m.peak.Load()
}
