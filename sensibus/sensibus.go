// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sensibus implements the two-wire serial interface used by the
// Sensirion SHT1x family. It is not I²C: there is no addressing, the start
// condition differs, and the clock is driven exclusively by the controller.
// The bus is bit-banged over two GPIO lines.
//
// A Bus is not safe for concurrent use. Every framing method fully
// configures the line directions it needs, so a failed transfer does not leave
// stale state behind; an interrupted byte does leave the device out of step
// until Reset is called.
//
// # Datasheet
//
// https://sensirion.com/media/documents/BD45ECB5/61642783/Sensirion_Humidity_Sensors_SHT1x_Datasheet.pdf
package sensibus

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/cpu"
)

const (
	// PollInterval is the delay between two samples of the data line while
	// waiting for a conversion.
	PollInterval = 10 * time.Millisecond
	// MaxPolls bounds WaitForResult. A 14 bit conversion takes at most 320ms.
	MaxPolls = 35
	// ResultTimeout is the total budget of WaitForResult.
	ResultTimeout = MaxPolls * PollInterval

	// The datasheet asks for 100ns of clock high/low time.
	clockSettle = time.Microsecond
	// Number of clock pulses in the connection reset sequence. The datasheet
	// requires at least nine.
	resetPulses = 11
)

var (
	// ErrNoAck is returned when the device does not pull the data line low
	// during the acknowledge clock.
	ErrNoAck = errors.New("sensibus: device did not acknowledge")
	// ErrTimeout is returned when the device did not signal a finished
	// conversion within ResultTimeout.
	ErrTimeout = errors.New("sensibus: timed out waiting for result")

	errDirection = errors.New("sensibus: data line sampled while driven by controller")
)

// readErrer is implemented by pins whose Read can fail, such as lines on a
// USB bridge. Err reports the failure of the last Read.
type readErrer interface {
	Err() error
}

// owner identifies the party driving the data line.
type owner int

const (
	ownerDevice owner = iota
	ownerController
)

func (o owner) String() string {
	if o == ownerController {
		return "controller"
	}
	return "device"
}

// Opts holds the configuration options for the bus.
type Opts struct {
	// Delay blocks for at least the given duration. Leave nil to spin for
	// sub-millisecond delays and sleep for longer ones.
	Delay func(time.Duration)
}

// DefaultOpts holds the default configuration options for the bus.
var DefaultOpts = Opts{}

// Bus is a two-wire bus with a single device attached.
type Bus struct {
	clk   gpio.PinOut
	data  gpio.PinIO
	delay func(time.Duration)
	owner owner
}

// New returns a Bus over the clock and data lines. The data line must have a
// pull-up, either external or the pin's own. The Opts can be nil.
func New(clk gpio.PinOut, data gpio.PinIO, opts *Opts) *Bus {
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &Bus{clk: clk, data: data, delay: opts.Delay, owner: ownerDevice}
	if b.delay == nil {
		b.delay = delay
	}
	return b
}

func (b *Bus) String() string {
	return fmt.Sprintf("sensibus{%s, %s}", b.clk, b.data)
}

// Reset runs the connection reset sequence: data high while the clock is
// toggled at least nine times. It must be followed by TransmissionStart.
// Device registers are untouched.
func (b *Bus) Reset() error {
	if err := b.drive(gpio.High); err != nil {
		return err
	}
	for range resetPulses {
		if err := b.pulse(); err != nil {
			return err
		}
	}
	return nil
}

// Idle releases the data line and parks the clock low.
func (b *Bus) Idle() error {
	if err := b.release(); err != nil {
		return err
	}
	return b.clock(gpio.Low)
}

// TransmissionStart sends the start condition: data falls while the clock is
// high, followed by data rising during the next clock high.
func (b *Bus) TransmissionStart() error {
	return b.sequence(
		b.dataStep(gpio.High),
		b.clockStep(gpio.High),
		b.dataStep(gpio.Low),
		b.clockStep(gpio.Low),
		b.clockStep(gpio.High),
		b.dataStep(gpio.High),
		b.clockStep(gpio.Low),
	)
}

// SendByte writes v MSB first. The caller reads the acknowledge with GetAck.
func (b *Bus) SendByte(v byte) error {
	for i := 7; i >= 0; i-- {
		if err := b.drive(gpio.Level(v&(1<<uint(i)) != 0)); err != nil {
			return err
		}
		if err := b.pulse(); err != nil {
			return err
		}
	}
	return nil
}

// GetAck releases the data line and clocks the acknowledge bit. ErrNoAck is
// returned if the device left the line high.
func (b *Bus) GetAck() error {
	if err := b.release(); err != nil {
		return err
	}
	if err := b.clock(gpio.High); err != nil {
		return err
	}
	l, err := b.sample()
	if cerr := b.clock(gpio.Low); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if l == gpio.High {
		return ErrNoAck
	}
	return nil
}

// SendAck acknowledges a byte received from the device, requesting the next
// one.
func (b *Bus) SendAck() error {
	return b.sequence(
		b.dataStep(gpio.High),
		b.dataStep(gpio.Low),
		b.clockStep(gpio.High),
		b.clockStep(gpio.Low),
	)
}

// GetByte reads one byte MSB first. The caller must follow with SendAck or
// TransmissionEnd.
func (b *Bus) GetByte() (byte, error) {
	if err := b.release(); err != nil {
		return 0, err
	}
	var v byte
	for i := 7; i >= 0; i-- {
		if err := b.clock(gpio.High); err != nil {
			return 0, err
		}
		l, err := b.sample()
		if err != nil {
			return 0, err
		}
		if l {
			v |= 1 << uint(i)
		}
		if err := b.clock(gpio.Low); err != nil {
			return 0, err
		}
	}
	return v, nil
}

// TransmissionEnd leaves the data line high during the acknowledge clock,
// telling the device no further byte, including the CRC, is wanted.
func (b *Bus) TransmissionEnd() error {
	return b.sequence(
		b.dataStep(gpio.High),
		b.clockStep(gpio.High),
		b.clockStep(gpio.Low),
	)
}

// Sample releases the data line and returns its level without clocking.
func (b *Bus) Sample() (gpio.Level, error) {
	if err := b.release(); err != nil {
		return gpio.Low, err
	}
	return b.sample()
}

// WaitForResult polls the data line until the device pulls it low to signal a
// finished conversion. The clock must already be low.
func (b *Bus) WaitForResult() error {
	if err := b.release(); err != nil {
		return err
	}
	for range MaxPolls {
		b.delay(PollInterval)
		l, err := b.sample()
		if err != nil {
			return err
		}
		if l == gpio.Low {
			return nil
		}
	}
	return ErrTimeout
}

// Sleep blocks for d using the bus delay function.
func (b *Bus) Sleep(d time.Duration) {
	b.delay(d)
}

// drive makes the controller own the data line and sets its level.
func (b *Bus) drive(l gpio.Level) error {
	if err := b.data.Out(l); err != nil {
		return fmt.Errorf("sensibus: setting data %s: %w", l, err)
	}
	b.owner = ownerController
	return nil
}

// release hands the data line to the device.
func (b *Bus) release() error {
	if err := b.data.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return fmt.Errorf("sensibus: releasing data: %w", err)
	}
	b.owner = ownerDevice
	return nil
}

func (b *Bus) sample() (gpio.Level, error) {
	if b.owner != ownerDevice {
		return gpio.Low, fmt.Errorf("%w (owner %s)", errDirection, b.owner)
	}
	l := b.data.Read()
	if e, ok := b.data.(readErrer); ok {
		if err := e.Err(); err != nil {
			return gpio.Low, fmt.Errorf("sensibus: reading data: %w", err)
		}
	}
	return l, nil
}

func (b *Bus) clock(l gpio.Level) error {
	if err := b.clk.Out(l); err != nil {
		return fmt.Errorf("sensibus: setting clock %s: %w", l, err)
	}
	b.delay(clockSettle)
	return nil
}

func (b *Bus) pulse() error {
	if err := b.clock(gpio.High); err != nil {
		return err
	}
	return b.clock(gpio.Low)
}

type step func() error

func (b *Bus) dataStep(l gpio.Level) step {
	return func() error { return b.drive(l) }
}

func (b *Bus) clockStep(l gpio.Level) step {
	return func() error { return b.clock(l) }
}

func (b *Bus) sequence(steps ...step) error {
	for _, s := range steps {
		if err := s(); err != nil {
			return err
		}
	}
	return nil
}

func delay(d time.Duration) {
	if d < time.Millisecond {
		cpu.Nanospin(d)
		return
	}
	time.Sleep(d)
}
