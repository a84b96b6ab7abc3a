// Package meter drives the voltmeters that make up the clock face.  A meter is wired (through a
// resistor sized for full-scale deflection) to either a PWM-capable GPIO on the host, or one channel
// of a PCA9685 PWM expander on the I2C bus.
package meter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jrockway/voltmeter-clock/control/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
)

// DefaultFrequency is the PWM carrier frequency.  The meters are far too slow to see it.
const DefaultFrequency = 800 * physic.Hertz

var (
	// ErrNoSuchPin is returned when a pin name is not in the host's pin registry.
	ErrNoSuchPin = errors.New("no such pin")
	// ErrNoExpander is returned when a PCA9685 channel is requested but no expander is open.
	ErrNoExpander = errors.New("no pca9685 expander configured")

	pwmWritesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meter_pwm_writes",
		Help: "count of duty cycle changes sent to the hardware, by output",
	}, []string{"output"})
)

// GPIO is a meter attached to a host GPIO pin.
type GPIO struct {
	pin  gpio.PinOut
	freq physic.Frequency

	mu   sync.Mutex
	last int // last level written to the pin, or -1 if unknown; must hold mu.
}

var _ clock.Channel = (*GPIO)(nil)

// NewGPIO puts pin into output mode, drives it low, and returns a meter for it.
func NewGPIO(pin gpio.PinOut, freq physic.Frequency) (*GPIO, error) {
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("set %s to output: %w", pin, err)
	}
	return &GPIO{pin: pin, freq: freq, last: 0}, nil
}

// OpenGPIO looks up a pin by name (like "GPIO17" or "P9_14") and returns a meter for it.
func OpenGPIO(name string, freq physic.Frequency) (*GPIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("open pin %q: %w", name, ErrNoSuchPin)
	}
	return NewGPIO(p, freq)
}

// DutyFor maps an 8-bit level onto periph's duty cycle range.
func DutyFor(level uint8) gpio.Duty {
	return gpio.Duty(uint64(level) * uint64(gpio.DutyMax) / 255)
}

// Write sets the meter's level.  Writing the level the pin already has is a no-op.
func (g *GPIO) Write(level uint8) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == int(level) {
		return nil
	}
	g.last = -1
	var err error
	if level == 0 {
		err = g.pin.Out(gpio.Low)
	} else {
		err = g.pin.PWM(DutyFor(level), g.freq)
	}
	if err != nil {
		return fmt.Errorf("pwm %s at level %d: %w", g.pin, level, err)
	}
	g.last = int(level)
	pwmWritesCounter.WithLabelValues(g.pin.Name()).Inc()
	return nil
}

// Expander is a PCA9685 16-channel PWM expander.
type Expander struct {
	dev  *pca9685.Dev
	addr uint16
}

// OpenPCA9685 initializes the expander at addr on bus and sets its PWM frequency.
func OpenPCA9685(bus i2c.Bus, addr uint16, freq physic.Frequency) (*Expander, error) {
	dev, err := pca9685.NewI2C(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("init pca9685 at %#x: %w", addr, err)
	}
	if err := dev.SetPwmFreq(freq); err != nil {
		return nil, fmt.Errorf("set pca9685 frequency to %v: %w", freq, err)
	}
	return &Expander{dev: dev, addr: addr}, nil
}

// Channel returns a meter attached to output n (0-15) of the expander.
func (e *Expander) Channel(n int) (*PCA9685Channel, error) {
	if n < 0 || n > 15 {
		return nil, fmt.Errorf("pca9685 channel %d: out of range 0-15", n)
	}
	return &PCA9685Channel{dev: e.dev, n: n, name: fmt.Sprintf("pca9685_%#x_%d", e.addr, n), last: -1}, nil
}

// PCA9685Channel is a meter attached to one output of a PCA9685.
type PCA9685Channel struct {
	dev  *pca9685.Dev
	n    int
	name string

	mu   sync.Mutex
	last int // must hold mu.
}

var _ clock.Channel = (*PCA9685Channel)(nil)

// Counts maps an 8-bit level onto the PCA9685's 12-bit counter.
func Counts(level uint8) gpio.Duty {
	return gpio.Duty((uint32(level)*4095 + 127) / 255)
}

// Write sets the meter's level.
func (c *PCA9685Channel) Write(level uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == int(level) {
		return nil
	}
	c.last = -1
	if err := c.dev.SetPwm(c.n, 0, Counts(level)); err != nil {
		return fmt.Errorf("%s at level %d: %w", c.name, level, err)
	}
	c.last = int(level)
	pwmWritesCounter.WithLabelValues(c.name).Inc()
	return nil
}

// Opener turns output names from the command line or config file into meters.
type Opener struct {
	Frequency physic.Frequency
	// Expander serves "pca9685:<n>" outputs.  It may be nil if none are used.
	Expander *Expander
}

// Open returns the meter for an output name: "pca9685:<n>" for an expander channel, or anything
// else for a host pin name.
func (o *Opener) Open(name string) (clock.Channel, error) {
	if rest := strings.TrimPrefix(name, "pca9685:"); rest != name {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("parse pca9685 channel %q: %w", rest, err)
		}
		if o.Expander == nil {
			return nil, fmt.Errorf("open %q: %w", name, ErrNoExpander)
		}
		ch, err := o.Expander.Channel(n)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
	freq := o.Frequency
	if freq == 0 {
		freq = DefaultFrequency
	}
	g, err := OpenGPIO(name, freq)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// UsesExpander reports whether any of the output names refer to the PCA9685.
func UsesExpander(names ...string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, "pca9685:") {
			return true
		}
	}
	return false
}
