package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Health is a point-in-time view of the process and its on-disk state.
type Health struct {
	HeapMB     uint64
	SysMB      uint64
	NumGC      uint32
	Goroutines int
	Uptime     time.Duration
	DataBytes  int64
}

var startedAt = time.Now()

// CollectHealth gathers runtime stats and the total size of the given data
// paths. A path may be a single file (the database) or a directory (plan files).
// Missing paths count as zero.
func CollectHealth(paths ...string) Health {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	h := Health{
		HeapMB:     m.HeapAlloc / 1024 / 1024,
		SysMB:      m.Sys / 1024 / 1024,
		NumGC:      m.NumGC,
		Goroutines: runtime.NumGoroutine(),
		Uptime:     time.Since(startedAt).Truncate(time.Second),
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		h.DataBytes += pathSize(p)
	}
	return h
}

// DataSize renders DataBytes for humans.
func (h Health) DataSize() string {
	return FormatBytes(h.DataBytes)
}

func pathSize(path string) int64 {
	var size int64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
