package memory

import (
	"context"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

const fallbackLimit = 1 << 30

type Usage struct {
	Current uint64
	Limit   uint64
}

// Reader reports the process' memory footprint and the limit it runs under.
type Reader interface {
	Read() Usage
}

// RuntimeReader reads usage from the Go runtime. The limit is resolved once
// at construction.
type RuntimeReader struct {
	limit uint64
}

func NewRuntimeReader(configured uint64) *RuntimeReader {
	return &RuntimeReader{limit: DetectLimit(configured)}
}

func (r *RuntimeReader) Read() Usage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Usage{Current: ms.Sys - ms.HeapReleased, Limit: r.limit}
}

// DetectLimit picks the first of: the configured value, the runtime soft
// limit (GOMEMLIMIT), the cgroup limit, total host memory.
func DetectLimit(configured uint64) uint64 {
	if configured > 0 {
		return configured
	}
	if soft := debug.SetMemoryLimit(-1); soft > 0 && soft != math.MaxInt64 {
		return uint64(soft)
	}
	if v := cgroupLimit(); v > 0 {
		return uint64(v)
	}
	if vm, err := mem.VirtualMemoryWithContext(context.Background()); err == nil && vm.Total > 0 {
		return vm.Total
	}
	return fallbackLimit
}

func cgroupLimit() int64 {
	candidates := []string{
		"/sys/fs/cgroup/memory.max",
		"/sys/fs/cgroup/memory/memory.limit_in_bytes",
	}
	if p, ok := cgroupPath(); ok {
		candidates = append(candidates, p+"/memory.max", p+"/memory/memory.limit_in_bytes")
	}
	for _, c := range candidates {
		if v := readLimitFile(c); v > 0 {
			return v
		}
	}
	return 0
}

func readLimitFile(path string) int64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	s := strings.TrimSpace(string(b))
	if s == "" || s == "max" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	// cgroup v1 reports "unlimited" as a huge page-aligned number.
	if err != nil || v <= 0 || v > 1<<60 {
		return 0
	}
	return v
}

func cgroupPath() (string, bool) {
	b, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(b), "\n") {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[1] != "" && !strings.Contains(parts[1], "memory") {
			continue
		}
		p := "/sys/fs/cgroup" + parts[2]
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}
