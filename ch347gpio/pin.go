// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ch347gpio

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Pin is one CH347 GPIO line.
type Pin struct {
	name   string
	number int
	l      line

	mu   sync.Mutex
	out  bool
	pull gpio.Pull
	// lastErr is the error of the last failed Read, which has no error
	// return of its own.
	lastErr error
}

func newPin(number int, l line) *Pin {
	return &Pin{
		name:   fmt.Sprintf("%s_GPIO%d", devName, number),
		number: number,
		l:      l,
		pull:   gpio.PullNoChange,
	}
}

// Halt implements conn.Resource. The pin is turned into an input.
func (p *Pin) Halt() error {
	return p.In(gpio.PullNoChange, gpio.NoEdge)
}

// Name returns the name of the GPIO pin.
func (p *Pin) Name() string {
	return p.name
}

// Number returns the number of the GPIO pin.
func (p *Pin) Number() int {
	return p.number
}

// Deprecated: returns "In" or "Out"
func (p *Pin) Function() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out {
		return "Out"
	}
	return "In"
}

func (p *Pin) String() string {
	return p.name
}

// In turns the pin into an input. Edge detection is not supported. The pull
// is recorded but the bridge cannot apply it.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return fmt.Errorf("%s: edge detection: %w", p.name, ErrNotImplemented)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.l.write(false, false); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	p.out = false
	if pull != gpio.PullNoChange {
		p.pull = pull
	}
	return nil
}

// Read returns the current level. On a bridge error it returns gpio.High,
// the level of an undriven pulled-up line; the error is available from Err.
func (p *Pin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.l.read()
	p.lastErr = err
	if err != nil {
		return gpio.High
	}
	return gpio.Level(v)
}

// Err returns the error of the last Read, if any.
func (p *Pin) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// WaitForEdge is not available for this device.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	return false
}

// Pull returns the pull requested by the last In call.
func (p *Pin) Pull() gpio.Pull {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pull
}

// DefaultPull returns gpio.PullNoChange.
func (p *Pin) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Out drives the pin to the specified level.
func (p *Pin) Out(l gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.l.write(true, bool(l)); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	p.out = true
	return nil
}

// Not implemented.
func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return ErrNotImplemented
}

var _ gpio.PinIO = &Pin{}
