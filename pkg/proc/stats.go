// Package proc reads per-worker process statistics from /proc.
package proc

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Stats is a snapshot of one worker process.
type Stats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   int64   `json:"memory_mb"`
	State      string  `json:"state"`
	Threads    int     `json:"threads"`
}

type procStat struct {
	utime   uint64
	stime   uint64
	state   byte
	threads int
	rss     int64 // pages
}

type cpuSnapshot struct {
	utime     uint64
	stime     uint64
	timestamp time.Time
}

// CPUTracker computes CPU percentages between successive samples of
// the same PID.
type CPUTracker struct {
	snapshots map[int]cpuSnapshot
}

func NewCPUTracker() *CPUTracker {
	return &CPUTracker{snapshots: make(map[int]cpuSnapshot)}
}

// ReadStats reads statistics for a single PID. With a non-nil tracker
// the CPU percentage is derived from the previous sample.
func ReadStats(pid int, tracker *CPUTracker) (*Stats, error) {
	if pid <= 0 {
		return nil, errors.New("invalid PID")
	}

	ps, err := readProcStat(pid)
	if err != nil {
		return nil, errors.Wrap(err, "read /proc stat")
	}

	pageSize := int64(os.Getpagesize())
	stats := &Stats{
		PID:      pid,
		MemoryMB: ps.rss * pageSize / (1024 * 1024),
		State:    string(ps.state),
		Threads:  ps.threads,
	}

	if tracker != nil {
		now := time.Now()
		totalTime := ps.utime + ps.stime
		if prev, ok := tracker.snapshots[pid]; ok {
			elapsed := now.Sub(prev.timestamp).Seconds()
			if elapsed > 0 {
				cpuDelta := float64(totalTime - (prev.utime + prev.stime))
				// Jiffies to seconds at the standard 100 Hz.
				stats.CPUPercent = (cpuDelta / 100.0 / elapsed) * 100.0
			}
		}
		tracker.snapshots[pid] = cpuSnapshot{utime: ps.utime, stime: ps.stime, timestamp: now}
	}

	return stats, nil
}

// ReadAllStats samples a set of PIDs, skipping any that have exited.
func ReadAllStats(pids []int, tracker *CPUTracker) map[int]*Stats {
	result := make(map[int]*Stats)
	for _, pid := range pids {
		stats, err := ReadStats(pid, tracker)
		if err != nil {
			continue
		}
		result[pid] = stats
	}
	return result
}

func readProcStat(pid int) (*procStat, error) {
	path := filepath.Join("/proc", strconv.Itoa(pid), "stat")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read stat file")
	}

	// Format: pid (comm) state ... — comm can contain spaces and
	// parens, so parse from the last ')'.
	content := string(data)
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return nil, errors.New("malformed stat file: no closing paren")
	}

	fields := strings.Fields(strings.TrimSpace(content[closeParen+1:]))
	if len(fields) < 22 {
		return nil, errors.Errorf("malformed stat file: expected 22+ fields, got %d", len(fields))
	}

	// 0-based indices after comm: 0 state, 11 utime, 12 stime,
	// 17 num_threads, 21 rss.
	ps := &procStat{state: fields[0][0]}

	if ps.utime, err = strconv.ParseUint(fields[11], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse utime")
	}
	if ps.stime, err = strconv.ParseUint(fields[12], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse stime")
	}
	if ps.threads, err = strconv.Atoi(fields[17]); err != nil {
		return nil, errors.Wrap(err, "parse num_threads")
	}
	if ps.rss, err = strconv.ParseInt(fields[21], 10, 64); err != nil {
		return nil, errors.Wrap(err, "parse rss")
	}

	return ps, nil
}
