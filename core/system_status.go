package core

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"
)

// UserCounter reports account totals. PgUserDirectory implements it.
type UserCounter interface {
	CountUsers(ctx context.Context) (UserCounts, error)
}

// SystemStatus is the admin status summary.
type SystemStatus struct {
	Users     *UserCounts   `json:"users,omitempty"`
	MailQueue *QueueMetrics `json:"mail_queue,omitempty"`

	Workers struct {
		Live   int   `json:"live"`
		Busy   int   `json:"busy"`
		Sent   int64 `json:"sent"`
		Failed int64 `json:"failed"`
	} `json:"workers"`
	Memory struct {
		UsedBytes  uint64 `json:"used_bytes"`
		TotalBytes uint64 `json:"total_bytes"`
	} `json:"memory"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// CollectSystemStatus gathers the summary. users and metrics may be nil.
// A failing user count is returned as an error; Redis figures are
// best-effort and left out when unavailable.
func CollectSystemStatus(ctx context.Context, users UserCounter, metrics *MetricsService, startedAt time.Time) (SystemStatus, error) {
	var st SystemStatus

	if users != nil {
		counts, err := users.CountUsers(ctx)
		if err != nil {
			return st, err
		}
		st.Users = &counts
	}

	if metrics != nil {
		if q, err := metrics.Queue(ctx); err == nil {
			st.MailQueue = &q
		}
		workers, _ := metrics.Workers(ctx)
		st.Workers.Live = len(workers)
		for _, w := range workers {
			if w.Status == WorkerBusy {
				st.Workers.Busy++
			}
			st.Workers.Sent += w.Sent
			st.Workers.Failed += w.Failed
		}
	}

	st.Memory.UsedBytes, st.Memory.TotalBytes = hostMemory("/proc/meminfo")
	if !startedAt.IsZero() {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return st, nil
}

// hostMemory reads used and total bytes from a meminfo file. Zeros when the
// file is missing, as on non-Linux hosts.
func hostMemory(path string) (used, total uint64) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	kib := map[string]uint64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok || (name != "MemTotal" && name != "MemAvailable") {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			kib[name] = v
		}
	}
	total = kib["MemTotal"] * 1024
	if avail := kib["MemAvailable"] * 1024; avail <= total {
		used = total - avail
	}
	return used, total
}
