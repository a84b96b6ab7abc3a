// Package clock drives three voltmeters as the second, minute, and hour hands of an analog clock.
//
// Each meter is fed a PWM signal whose duty cycle is proportional to the position of its hand.  A
// small RC filter (or just the meter's own inertia) turns that into a needle position.
package clock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

var (
	// ErrAlreadyRunning is returned by Start when a timer is already registered.
	ErrAlreadyRunning = errors.New("clock already running")
	// ErrNotRunning is returned by Stop when no timer is registered.
	ErrNotRunning = errors.New("clock not running")
	// ErrInvalidPeriod is returned by Start for a non-positive tick period.
	ErrInvalidPeriod = errors.New("tick period must be positive")
)

var (
	ticksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clock_ticks",
		Help: "count of ticks that computed and wrote hand positions",
	})

	writeErrorsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clock_write_errors",
		Help: "count of failed writes to a hand's output channel",
	}, []string{"hand"})

	levelGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clock_hand_level",
		Help: "last duty cycle level (0-255) written to each hand",
	}, []string{"hand"})

	runningGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clock_running",
		Help: "1 if the clock timer is registered, 0 otherwise",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clock_tick_delay",
		Help:    "amount of time between the ticker firing and the hands being computed, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 8),
	})
)

// Channel is an 8-bit analog output that one hand is drawn on.  0 is the needle at rest and 255 is
// full scale.
type Channel interface {
	Write(level uint8) error
}

// Levels are the duty cycle levels for the three hands at one instant.
type Levels struct {
	Seconds, Minutes, Hours uint8
}

// Duties computes the level of each hand at time t, in t's location.
//
// The hour hand multiplies the 12-hour value by 12 rather than 60, so it only sweeps the lower part
// of the meter's range (4 to 72).
func Duties(t time.Time) Levels {
	h, m, s := t.Clock()
	ms := t.Nanosecond() / int(time.Millisecond)
	hour := h % 12
	if hour == 0 {
		hour = 12
	}
	return Levels{
		Seconds: scale(float64(s*1000+ms) / 60000),
		Minutes: scale(float64(m*60+s) / 3600),
		Hours:   scale(float64(hour*12+m) / 720),
	}
}

func scale(fraction float64) uint8 {
	return uint8(math.Round(fraction * 255))
}

// ticker is the part of time.Ticker the driver uses.
type ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct{ *time.Ticker }

func (t realTicker) Chan() <-chan time.Time { return t.C }

func newRealTicker(d time.Duration) ticker { return realTicker{time.NewTicker(d)} }

// timer is one registration of the tick loop.
type timer struct {
	id     uint64
	ticker ticker
	events trace.EventLog
	stop   chan struct{} // closed to ask the loop to exit.
	done   chan struct{} // closed by the loop when it has exited.
}

func (t *timer) String() string { return fmt.Sprintf("timer #%d", t.id) }

// Driver writes the current time to three hands on a periodic timer.
type Driver struct {
	seconds, minutes, hours Channel

	now       func() time.Time
	newTicker func(time.Duration) ticker

	mu     sync.Mutex
	timer  *timer // non-nil iff running; must hold mu to read or write.
	lastID uint64
}

// New returns an idle Driver for the given hands.
func New(seconds, minutes, hours Channel) *Driver {
	return &Driver{
		seconds:   seconds,
		minutes:   minutes,
		hours:     hours,
		now:       time.Now,
		newTicker: newRealTicker,
	}
}

// Running reports whether a timer is registered.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Start registers a timer that updates the hands every period.
func (d *Driver) Start(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("start with period %v: %w", period, ErrInvalidPeriod)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		return fmt.Errorf("%w: %v is registered; stop it before starting another", ErrAlreadyRunning, d.timer)
	}
	d.lastID++
	t := &timer{
		id:     d.lastID,
		ticker: d.newTicker(period),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	t.events = trace.NewEventLog("clock", t.String())
	t.events.Printf("started with period %v", period)
	go d.loop(t)
	d.timer = t
	runningGauge.Set(1)
	return nil
}

// Stop deregisters the timer and returns the hands to zero.  No tick writes happen after Stop
// returns.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return fmt.Errorf("stop: %w", ErrNotRunning)
	}
	t := d.timer
	t.ticker.Stop()
	close(t.stop)
	<-t.done
	d.timer = nil
	runningGauge.Set(0)

	d.write(t.events, Levels{})
	t.events.Printf("stopped")
	t.events.Finish()
	return nil
}

// Run starts the clock and keeps it running until the context is cancelled.  The hands are zeroed
// before Run returns.
func (d *Driver) Run(ctx context.Context, period time.Duration) error {
	if err := d.Start(period); err != nil {
		return fmt.Errorf("start clock: %w", err)
	}
	<-ctx.Done()
	if err := d.Stop(); err != nil {
		return fmt.Errorf("stop clock: %w", err)
	}
	return fmt.Errorf("clock stopped: %w", ctx.Err())
}

func (d *Driver) loop(t *timer) {
	defer close(t.done)
	for {
		select {
		case <-t.stop:
			return
		case fired := <-t.ticker.Chan():
			// A pending tick must not win over a concurrent Stop.
			select {
			case <-t.stop:
				return
			default:
			}
			d.tick(t.events, fired)
		}
	}
}

// tick samples the time and writes all three hands.  Write errors are logged and counted; they
// never stop the clock.
func (d *Driver) tick(l trace.EventLog, fired time.Time) {
	now := d.now()
	tickDelayMetric.Observe(float64(now.Sub(fired).Nanoseconds()))
	d.write(l, Duties(now))
	ticksCounter.Inc()
}

func (d *Driver) write(l trace.EventLog, levels Levels) {
	hands := []struct {
		name  string
		ch    Channel
		level uint8
	}{
		{"seconds", d.seconds, levels.Seconds},
		{"minutes", d.minutes, levels.Minutes},
		{"hours", d.hours, levels.Hours},
	}
	for _, h := range hands {
		if err := h.ch.Write(h.level); err != nil {
			writeErrorsCounter.WithLabelValues(h.name).Inc()
			l.Errorf("write %d to %s hand: %v", h.level, h.name, err)
			continue
		}
		levelGauge.WithLabelValues(h.name).Set(float64(h.level))
	}
}
