package transfer

import (
	"time"
)

// ProgressWindow is how far back speed is averaged.
const ProgressWindow = 5 * time.Second

// Progress is a snapshot of bytes moved for a whole session.
type Progress struct {
	TotalBytes       uint64
	BytesTransferred uint64
	Percent          float64
	// Speed is bytes per second over the last ProgressWindow.
	Speed     float64
	ETA       time.Duration
	StartTime time.Time
	UpdatedAt time.Time
}

type sample struct {
	at    time.Time
	bytes uint64
}

// progressTracker keeps a sliding window of byte counts. Callers serialize
// access.
type progressTracker struct {
	total   uint64
	done    uint64
	start   time.Time
	last    time.Time
	samples []sample
	window  time.Duration
	now     func() time.Time
}

func newProgressTracker(total uint64, now func() time.Time) *progressTracker {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &progressTracker{
		total:   total,
		start:   t,
		last:    t,
		samples: []sample{{at: t}},
		window:  ProgressWindow,
		now:     now,
	}
}

func (p *progressTracker) add(n uint64) {
	p.done += n
	p.last = p.now()
	p.samples = append(p.samples, sample{at: p.last, bytes: p.done})
	p.trim()
}

// trim drops samples older than the window but keeps one anchor at or
// before the window start.
func (p *progressTracker) trim() {
	cutoff := p.last.Add(-p.window)
	i := 0
	for i+1 < len(p.samples) && !p.samples[i+1].at.After(cutoff) {
		i++
	}
	p.samples = p.samples[i:]
}

func (p *progressTracker) snapshot() Progress {
	out := Progress{
		TotalBytes:       p.total,
		BytesTransferred: p.done,
		StartTime:        p.start,
		UpdatedAt:        p.last,
	}
	if p.total == 0 {
		out.Percent = 100
	} else {
		out.Percent = float64(p.done) / float64(p.total) * 100
	}
	if len(p.samples) >= 2 {
		first, last := p.samples[0], p.samples[len(p.samples)-1]
		if dt := last.at.Sub(first.at).Seconds(); dt > 0 {
			out.Speed = float64(last.bytes-first.bytes) / dt
		}
	}
	if out.Speed > 0 && p.total > p.done {
		out.ETA = time.Duration(float64(p.total-p.done) / out.Speed * float64(time.Second))
	}
	return out
}
