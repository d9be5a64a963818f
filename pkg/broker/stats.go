package broker

import (
	"github.com/samber/lo"

	"github.com/rovekit/rovekit-go/pkg/watchdog"
)

type counters struct {
	acquires      uint64
	releases      uint64
	opens         uint64
	reuses        uint64
	closes        uint64
	streamsOpened uint64
	streamDrops   uint64
	faults        map[string]uint64
}

func newCounters() counters {
	return counters{faults: make(map[string]uint64)}
}

// Stats is a snapshot of broker activity.
type Stats struct {
	HandlesLive int
	Acquires    uint64
	Releases    uint64

	// DeviceOpens counts driver device opens; DeviceReuses counts first
	// acquires served by a device that was still open.
	DeviceOpens  uint64
	DeviceReuses uint64
	DeviceCloses uint64

	// Faults counts hardware faults per capability.
	Faults map[string]uint64

	StreamsLive   int
	StreamsOpened uint64
	StreamDrops   uint64

	Watchdog watchdog.Stats
}

// Stats returns a snapshot of the counters.
func (b *Broker) Stats() Stats {
	wd := b.watchdog.Stats()

	b.mu.Lock()
	defer b.mu.Unlock()

	liveDrops := lo.SumBy(lo.Values(b.streams), func(s *Stream) uint64 {
		return s.box.Stats().TotalDrops
	})
	return Stats{
		HandlesLive:   len(b.handles),
		Acquires:      b.stats.acquires,
		Releases:      b.stats.releases,
		DeviceOpens:   b.stats.opens,
		DeviceReuses:  b.stats.reuses,
		DeviceCloses:  b.stats.closes,
		Faults:        lo.Assign(b.stats.faults),
		StreamsLive:   len(b.streams),
		StreamsOpened: b.stats.streamsOpened,
		StreamDrops:   b.stats.streamDrops + liveDrops,
		Watchdog:      wd,
	}
}
