// Package progress tracks download throughput and renders a live
// console view of a running transfer.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a transfer.
type Stats struct {
	BytesDone   int64
	Total       int64
	RateBps     float64
	ETA         time.Duration
	Percent     float64
	StartedAt   time.Time
	CurrentFile string
	FilesDone   int
	FilesTotal  int
	Resumed     int
}

// Meter tracks byte and file progress and computes a smoothed rate.
// Bytes already on disk are fed through Advance so they count toward
// completion without inflating the network rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time

	currentFile string
	filesDone   int
	filesTotal  int
	resumed     int
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start initializes the meter for a transfer of totalBytes across
// totalFiles files.
func (m *Meter) Start(totalBytes int64, totalFiles int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
	m.currentFile = ""
	m.filesDone = 0
	m.filesTotal = totalFiles
	m.resumed = 0
}

// Add records n bytes received over the network and folds the
// instantaneous rate into the smoothed estimate.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done += int64(n)
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Advance records n bytes that were already present locally. They
// count toward completion but not toward the rate.
func (m *Meter) Advance(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	m.lastDone += n
}

// StartFile marks path as the file currently being transferred. When
// resumed is true the file continues from a previous partial download.
func (m *Meter) StartFile(path string, resumed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentFile = path
	if resumed {
		m.resumed++
	}
}

// FinishFile counts one file as complete.
func (m *Meter) FinishFile() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesDone++
	m.currentFile = ""
}

// Snapshot returns the current transfer stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:   m.done,
		Total:       m.total,
		RateBps:     m.rateBps,
		StartedAt:   m.startedAt,
		CurrentFile: m.currentFile,
		FilesDone:   m.filesDone,
		FilesTotal:  m.filesTotal,
		Resumed:     m.resumed,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining/m.rateBps) * time.Second
	}
	return stats
}
