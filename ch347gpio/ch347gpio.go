// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ch347gpio exposes the eight GPIO lines of a WCH CH347 USB bridge,
// in HID mode, as periph gpio pins. This lets a desktop drive bit-banged
// buses such as the SHT1x two-wire bus without a single board computer.
//
// Every level change is a USB round trip, so the lines toggle at a few
// kilohertz at best. The CH347 has no configurable pulls; the pull argument
// of In is ignored and pull-ups must be external.
//
// # Datasheet
//
// https://www.wch-ic.com/downloads/CH347DS1_PDF.html
package ch347gpio

import (
	"errors"
	"fmt"
	"time"

	"github.com/serfreeman1337/go-ch347"
	"github.com/sstallion/go-hid"
	"periph.io/x/conn/v3/gpio"
)

const (
	devName = "CH347"
	numPins = 8

	// ID 1a86:55dc QinHeng Electronics
	vendorID  = 0x1a86
	productID = 0x55dc
	// HID interface 0 is the UART, 1 is SPI+I2C+GPIO.
	gpioInterface = 1
	productString = "HID To UART+SPI+I2C"
)

var (
	ErrNotImplemented = errors.New("ch347gpio: not implemented")
	ErrNotFound       = errors.New("ch347gpio: no CH347 found")
)

// Dev is a CH347 bridge.
type Dev struct {
	// Pins are GPIO0 to GPIO7.
	Pins []gpio.PinIO

	io  *ch347.IO
	hid *hid.Device
}

// hidWithTimeout bounds reads so an interrupted transfer cannot block
// forever.
type hidWithTimeout struct {
	*hid.Device
}

func (d *hidWithTimeout) Read(p []byte) (n int, err error) {
	for {
		n, err = d.Device.ReadWithTimeout(p, time.Second)
		if err == nil || err.Error() != "Interrupted system call" {
			return
		}
	}
}

// Open finds the first CH347 and opens its GPIO interface. Access to the
// hidraw device is required.
func Open() (*Dev, error) {
	var path string
	err := hid.Enumerate(vendorID, productID, func(info *hid.DeviceInfo) error {
		if path == "" && info.ProductStr == productString && info.InterfaceNbr == gpioInterface {
			path = info.Path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ch347gpio: enumerating: %w", err)
	}
	if path == "" {
		return nil, ErrNotFound
	}
	h, err := hid.OpenPath(path)
	if err != nil {
		return nil, fmt.Errorf("ch347gpio: opening %s: %w", path, err)
	}
	d := New(&ch347.IO{Dev: &hidWithTimeout{h}})
	d.hid = h
	return d, nil
}

// New wraps an already opened bridge.
func New(c *ch347.IO) *Dev {
	d := &Dev{io: c, Pins: make([]gpio.PinIO, numPins)}
	for ix := range numPins {
		d.Pins[ix] = newPin(ix, lineFor(c, ix))
	}
	return d
}

// Halt releases every pin and closes the bridge if Open created it.
func (d *Dev) Halt() error {
	var errs []error
	for _, p := range d.Pins {
		errs = append(errs, p.Halt())
	}
	if d.hid != nil {
		errs = append(errs, d.hid.Close())
		d.hid = nil
	}
	return errors.Join(errs...)
}

func (d *Dev) String() string {
	return devName
}

// line is the bridge access for a single GPIO.
type line struct {
	// write sets the direction and, for outputs, the level.
	write func(out, level bool) error
	read  func() (bool, error)
}

func lineFor(c *ch347.IO, n int) line {
	// GPIO0 to GPIO7 are contiguous.
	p := ch347.GPIO0 + ch347.Pin(n)
	return line{
		write: func(out, level bool) error { return c.WritePin(p, out, level) },
		read:  func() (bool, error) { return c.ReadPin(p) },
	}
}
