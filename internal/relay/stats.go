package relay

import (
	"time"

	"firestige.xyz/camrelay/internal/eventloop"
	"firestige.xyz/camrelay/internal/log"
	"firestige.xyz/camrelay/internal/metrics"
)

// frameStats measures the capture rate over fixed windows.
type frameStats struct {
	sched    eventloop.Scheduler
	interval time.Duration
	now      func() time.Time
	logger   log.Logger
	timer    eventloop.Timer

	frames   uint64
	bytes    uint64
	lastSize int

	windowStart  time.Time
	windowFrames uint64
	fps          float64
}

func newFrameStats(sched eventloop.Scheduler, interval time.Duration, now func() time.Time, logger log.Logger) *frameStats {
	return &frameStats{sched: sched, interval: interval, now: now, logger: logger}
}

func (s *frameStats) start() {
	s.windowStart = s.now()
	s.arm()
}

func (s *frameStats) arm() {
	if s.interval <= 0 {
		return
	}
	s.timer = s.sched.AfterFunc(s.interval, s.tick)
}

func (s *frameStats) stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *frameStats) add(size int) {
	s.frames++
	s.windowFrames++
	s.bytes += uint64(size)
	s.lastSize = size
}

func (s *frameStats) tick() {
	now := s.now()
	if ms := now.Sub(s.windowStart).Milliseconds(); ms > 0 {
		s.fps = float64(s.windowFrames*1000) / float64(ms)
	}
	metrics.CaptureFPS.Set(s.fps)
	s.logger.WithFields(map[string]interface{}{
		"frames": s.frames,
		"size":   s.lastSize,
	}).Debugf("capture rate %.2f fps", s.fps)

	s.windowStart = now
	s.windowFrames = 0
	s.arm()
}
