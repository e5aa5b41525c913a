// Package status produces the periodic updates pushed to the attached
// control surfaces: elapsed worker time and the icecast listener count.
package status

import (
	"time"

	"github.com/turtacn/broadcastd/pkg/consts"
	"github.com/turtacn/broadcastd/pkg/logger"
	"github.com/turtacn/broadcastd/pkg/protocol"
)

// Options configures a Broadcaster.
type Options struct {
	Interval time.Duration
	// Post runs f on the owner's event loop.
	Post func(f func())
	// Emit delivers an update to every attached surface.
	Emit func(v any)
}

// Broadcaster counts elapsed seconds for running workers. Counting happens
// on the event loop; only the ticker runs on its own goroutine.
type Broadcaster struct {
	opts    Options
	log     logger.Logger
	running map[consts.WorkerKind]bool
	elapsed map[consts.WorkerKind]int

	gen  uint64
	stop chan struct{}
}

// NewBroadcaster creates an idle Broadcaster.
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.Interval <= 0 {
		opts.Interval = consts.DefaultTimerInterval
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	return &Broadcaster{
		opts:    opts,
		log:     logger.Component("status"),
		running: map[consts.WorkerKind]bool{},
		elapsed: map[consts.WorkerKind]int{},
	}
}

// Elapsed returns the seconds counted for kind since it became Running.
func (b *Broadcaster) Elapsed(kind consts.WorkerKind) int { return b.elapsed[kind] }

// Ticking reports whether the ticker is active.
func (b *Broadcaster) Ticking() bool { return b.stop != nil }

// SetRunning records whether kind is Running. Leaving Running resets its
// counter and emits a final update; the ticker stops once nothing runs.
func (b *Broadcaster) SetRunning(kind consts.WorkerKind, running bool) {
	was := b.running[kind]
	if was == running {
		return
	}
	b.running[kind] = running

	if running {
		b.startTicker()
		return
	}
	b.elapsed[kind] = 0
	if !b.anyRunning() {
		b.stopTicker()
	}
	b.emit()
}

// Tick advances every running counter by one and emits an update.
func (b *Broadcaster) Tick() {
	if !b.anyRunning() {
		return
	}
	for kind, on := range b.running {
		if on {
			b.elapsed[kind]++
		}
	}
	b.log.Debug("Timers", "stream", b.elapsed[consts.KindStream], "recording", b.elapsed[consts.KindRecord])
	b.emit()
}

// Close stops the ticker.
func (b *Broadcaster) Close() { b.stopTicker() }

func (b *Broadcaster) anyRunning() bool {
	for _, on := range b.running {
		if on {
			return true
		}
	}
	return false
}

func (b *Broadcaster) emit() {
	if b.opts.Emit == nil {
		return
	}
	b.opts.Emit(protocol.TimerUpdate{
		Type:          protocol.EventTimer,
		StreamTime:    b.elapsed[consts.KindStream],
		RecordingTime: b.elapsed[consts.KindRecord],
	})
}

func (b *Broadcaster) startTicker() {
	if b.stop != nil {
		return
	}
	b.gen++
	gen := b.gen
	stop := make(chan struct{})
	b.stop = stop

	go func() {
		t := time.NewTicker(b.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				b.opts.Post(func() {
					if gen == b.gen {
						b.Tick()
					}
				})
			}
		}
	}()
}

func (b *Broadcaster) stopTicker() {
	if b.stop == nil {
		return
	}
	close(b.stop)
	b.stop = nil
	b.gen++
}

// Personal.AI order the ending
