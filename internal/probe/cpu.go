package probe

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

var (
	cpuCountOnce sync.Once
	cpuCount     float64
)

// effectiveCPUCount returns the number of cores available to this process,
// honoring container CPU quotas so percentages are relative to what the
// container can actually use.
func effectiveCPUCount() float64 {
	cpuCountOnce.Do(func() {
		cpuCount = detectCPUCount()
	})
	return cpuCount
}

func detectCPUCount() float64 {
	if n, ok := cgroupV2Limit(); ok {
		return n
	}
	if n, ok := cgroupV1Limit(); ok {
		return n
	}
	return float64(runtime.NumCPU())
}

// cgroupV2Limit reads /sys/fs/cgroup/cpu.max: "<quota> <period>" or
// "max <period>" when unlimited.
func cgroupV2Limit() (float64, bool) {
	data, err := os.ReadFile("/sys/fs/cgroup/cpu.max")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] == "max" {
		return 0, false
	}
	quota, err1 := strconv.ParseFloat(fields[0], 64)
	period, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil || quota <= 0 || period <= 0 {
		return 0, false
	}
	return quota / period, true
}

// cgroupV1Limit reads cfs_quota_us / cfs_period_us. A quota of -1 means
// unlimited.
func cgroupV1Limit() (float64, bool) {
	quotaData, err := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	if err != nil {
		return 0, false
	}
	periodData, err := os.ReadFile("/sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if err != nil {
		return 0, false
	}
	quota, err1 := strconv.ParseFloat(strings.TrimSpace(string(quotaData)), 64)
	period, err2 := strconv.ParseFloat(strings.TrimSpace(string(periodData)), 64)
	if err1 != nil || err2 != nil || quota <= 0 || period <= 0 {
		return 0, false
	}
	return quota / period, true
}
