package memory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/banshee-data/slamfeed/internal/timeutil"
)

// ProcConfig configures a ProcAnalyzer.
type ProcConfig struct {
	// MountPoint of the proc filesystem; empty means /proc.
	MountPoint string
	// PermissiblePercent is the usage ceiling in (0, 100].
	PermissiblePercent float64
	// TTL caches readings so concurrent callers share one probe.
	TTL   time.Duration
	Clock timeutil.Clock
}

// ProcAnalyzer reads /proc/meminfo. Total memory is sampled once; available
// memory is cached for the configured TTL.
type ProcAnalyzer struct {
	fs          procfs.FS
	clock       timeutil.Clock
	ttl         time.Duration
	permissible float64

	mu        sync.Mutex
	total     uint64
	available uint64
	sampledAt time.Time
	sampled   bool
}

// NewProcAnalyzer opens the proc filesystem. It does not probe until the
// first reading is requested.
func NewProcAnalyzer(cfg ProcConfig) (*ProcAnalyzer, error) {
	mount := cfg.MountPoint
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, probeErr("open "+mount, err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ProcAnalyzer{
		fs:          fs,
		clock:       clock,
		ttl:         cfg.TTL,
		permissible: cfg.PermissiblePercent,
	}, nil
}

func (a *ProcAnalyzer) sample() (total, available uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sampled && a.clock.Since(a.sampledAt) < a.ttl {
		return a.total, a.available, nil
	}

	mi, err := a.fs.Meminfo()
	if err != nil {
		return 0, 0, probeErr("read meminfo", err)
	}
	if a.total == 0 {
		if mi.MemTotal == nil || *mi.MemTotal == 0 {
			return 0, 0, probeErr("read meminfo", errors.New("MemTotal missing"))
		}
		a.total = *mi.MemTotal * 1024
	}

	// Kernels before 3.14 have no MemAvailable.
	var availKB uint64
	switch {
	case mi.MemAvailable != nil:
		availKB = *mi.MemAvailable
	case mi.MemFree != nil:
		availKB = *mi.MemFree
		if mi.Buffers != nil {
			availKB += *mi.Buffers
		}
		if mi.Cached != nil {
			availKB += *mi.Cached
		}
	default:
		return 0, 0, probeErr("read meminfo", errors.New("MemAvailable and MemFree missing"))
	}

	a.available = min(availKB*1024, a.total)
	a.sampledAt = a.clock.Now()
	a.sampled = true
	return a.total, a.available, nil
}

// TotalMemory implements Analyzer.
func (a *ProcAnalyzer) TotalMemory() (uint64, error) {
	total, _, err := a.sample()
	return total, err
}

// AvailableMemoryPercent implements Analyzer.
func (a *ProcAnalyzer) AvailableMemoryPercent() (float64, error) {
	total, avail, err := a.sample()
	if err != nil {
		return 0, err
	}
	return float64(avail) / float64(total) * 100, nil
}

// UsedMemoryPercent implements Analyzer.
func (a *ProcAnalyzer) UsedMemoryPercent() (float64, error) {
	avail, err := a.AvailableMemoryPercent()
	if err != nil {
		return 0, err
	}
	return 100 - avail, nil
}

// PermissibleMemoryPercent implements Analyzer.
func (a *ProcAnalyzer) PermissibleMemoryPercent() float64 {
	return a.permissible
}

// ProcessResidentBytes returns the resident set size of this process.
func (a *ProcAnalyzer) ProcessResidentBytes() (uint64, error) {
	p, err := a.fs.Self()
	if err != nil {
		return 0, probeErr("open self", err)
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, probeErr("read self stat", err)
	}
	rss := stat.ResidentMemory()
	if rss < 0 {
		return 0, probeErr("read self stat", fmt.Errorf("negative rss %d", rss))
	}
	return uint64(rss), nil
}
