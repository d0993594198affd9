package st7789v

import (
	"image"
	"time"

	"github.com/jonboulle/clockwork"

	"periph.io/x/devices/v3/st7789v/bufpool"
)

// statsWindow is the number of frames FPS and processing time are averaged
// over.
const statsWindow = 60

// Stats summarizes the driver's recent activity.
type Stats struct {
	Frames      int            // Display calls that completed
	Regions     int            // rectangles transmitted
	FPS         float64        // frame rate over the last 60 frames
	AvgProcess  time.Duration  // mean time spent per frame over the last 60 frames
	Transport   TransportStats // zero unless the transport reports stats
	Pool        bufpool.Stats
	Gamma       float64
	Rotation    int
	LogicalSize image.Point
}

// monitor keeps a sliding window of frame timestamps and processing times.
type monitor struct {
	clk     clockwork.Clock
	stamps  []time.Time
	spent   []time.Duration
	frames  int
	regions int
}

func newMonitor(clk clockwork.Clock) *monitor {
	return &monitor{
		clk:    clk,
		stamps: make([]time.Time, 0, statsWindow),
		spent:  make([]time.Duration, 0, statsWindow),
	}
}

// frame records a frame that started at start and sent regions rectangles.
func (m *monitor) frame(start time.Time, regions int) {
	now := m.clk.Now()
	if len(m.stamps) == statsWindow {
		copy(m.stamps, m.stamps[1:])
		m.stamps = m.stamps[:statsWindow-1]
		copy(m.spent, m.spent[1:])
		m.spent = m.spent[:statsWindow-1]
	}
	m.stamps = append(m.stamps, now)
	m.spent = append(m.spent, now.Sub(start))
	m.frames++
	m.regions += regions
}

func (m *monitor) reset() {
	m.stamps = m.stamps[:0]
	m.spent = m.spent[:0]
	m.frames, m.regions = 0, 0
}

func (m *monitor) fps() float64 {
	if len(m.stamps) < 2 {
		return 0
	}
	d := m.stamps[len(m.stamps)-1].Sub(m.stamps[0])
	if d <= 0 {
		return 0
	}
	return float64(len(m.stamps)-1) / d.Seconds()
}

func (m *monitor) avg() time.Duration {
	if len(m.spent) == 0 {
		return 0
	}
	var s time.Duration
	for _, d := range m.spent {
		s += d
	}
	return s / time.Duration(len(m.spent))
}
