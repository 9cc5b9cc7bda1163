package memory

import "sync"

// Fake is a controllable Analyzer for tests.
type Fake struct {
	mu          sync.Mutex
	total       uint64
	used        float64
	permissible float64
	script      []float64
	err         error
	probes      int
}

// NewFake returns a fake with 16 GiB of total memory.
func NewFake(permissible, used float64) *Fake {
	return &Fake{total: 16 << 30, used: used, permissible: permissible}
}

// SetUsed sets the used percentage reported from now on.
func (f *Fake) SetUsed(percent float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used = percent
	f.script = nil
}

// Script queues readings returned by successive UsedMemoryPercent calls. The
// last reading sticks once the script is consumed.
func (f *Fake) Script(readings ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script[:0:0], readings...)
}

// SetTotal sets total memory in bytes.
func (f *Fake) SetTotal(total uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = total
}

// SetError makes every probe fail with err; nil clears it.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Probes counts UsedMemoryPercent and AvailableMemoryPercent calls.
func (f *Fake) Probes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

// TotalMemory implements Analyzer.
func (f *Fake) TotalMemory() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, probeErr("fake", f.err)
	}
	return f.total, nil
}

// UsedMemoryPercent implements Analyzer.
func (f *Fake) UsedMemoryPercent() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.err != nil {
		return 0, probeErr("fake", f.err)
	}
	if len(f.script) > 0 {
		f.used, f.script = f.script[0], f.script[1:]
	}
	return f.used, nil
}

// AvailableMemoryPercent implements Analyzer.
func (f *Fake) AvailableMemoryPercent() (float64, error) {
	used, err := f.UsedMemoryPercent()
	if err != nil {
		return 0, err
	}
	return 100 - used, nil
}

// PermissibleMemoryPercent implements Analyzer.
func (f *Fake) PermissibleMemoryPercent() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissible
}
