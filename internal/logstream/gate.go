package logstream

import (
	"strings"
	"time"
)

// progressGate decides which progress reports go to the coordinator and
// which are also worth a local log line. Reports are rate limited by
// interval, except completion. Local logging fires on stage changes and
// when percent crosses into a new bucket.
type progressGate struct {
	interval   time.Duration
	bucketSize float64

	lastSent   time.Time
	lastStage  string
	lastBucket int
}

func newProgressGate(interval time.Duration, bucketSize float64) *progressGate {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &progressGate{interval: interval, bucketSize: bucketSize, lastBucket: -1}
}

// admit reports whether the update at now should be sent, and if so whether
// it should be logged. Callers hold the streamer lock.
func (g *progressGate) admit(now time.Time, percent float64, stage string) (send, log bool) {
	if percent < 100 && !g.lastSent.IsZero() && now.Sub(g.lastSent) < g.interval {
		return false, false
	}
	g.lastSent = now

	if stage = strings.TrimSpace(stage); stage != "" && stage != g.lastStage {
		g.lastStage = stage
		g.lastBucket = -1
		log = true
	}
	if percent >= 0 {
		if bucket := int(min(percent, 100) / g.bucketSize); bucket > g.lastBucket {
			g.lastBucket = bucket
			log = true
		}
	}
	return true, log
}
