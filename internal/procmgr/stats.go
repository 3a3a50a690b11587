package procmgr

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nadmax/turbine/internal/turbineerr"
)

// clockTicksPerSecond mirrors the reference implementation's assumption
// of sysconf(_SC_CLK_TCK) == 100, which holds on every Linux platform
// this runtime targets.
const clockTicksPerSecond = 100.0

// GetStats reads /proc/<pid>/status for VmRSS and /proc/<pid>/stat for
// utime+stime, the same fields the reference runtime's stats command
// parses.
func GetStats(pid int) (Stats, error) {
	mem, err := memoryUsage(pid)
	if err != nil {
		return Stats{}, err
	}
	cpu, err := cpuUsage(pid)
	if err != nil {
		return Stats{}, err
	}
	return Stats{MemoryBytes: mem, CPUSeconds: cpu}, nil
}

func memoryUsage(pid int) (uint64, error) {
	path := fmt.Sprintf("/proc/%d/status", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, turbineerr.Wrap(turbineerr.KindProcess, err, "reading process status")
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseUint(fields[1], 10, 64)
				if err != nil {
					return 0, nil
				}
				return kb * 1024, nil
			}
		}
	}
	return 0, nil
}

func cpuUsage(pid int) (float64, error) {
	path := fmt.Sprintf("/proc/%d/stat", pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, turbineerr.Wrap(turbineerr.KindProcess, err, "reading process stat")
	}
	fields := strings.Fields(string(data))
	if len(fields) < 15 {
		return 0, nil
	}
	utime, _ := strconv.ParseUint(fields[13], 10, 64)
	stime, _ := strconv.ParseUint(fields[14], 10, 64)
	return float64(utime+stime) / clockTicksPerSecond, nil
}
