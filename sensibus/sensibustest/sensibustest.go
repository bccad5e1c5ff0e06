// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sensibustest implements a bit level fake of an SHT1x sensor on a
// two-wire bus, for use in unit tests.
//
// The fake decodes the controller's clock and data edges the way the device
// does and answers with acknowledges, measurement bytes and checksums. The
// clock and data lines are exposed as gpio pins.
package sensibustest

import (
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

const (
	cmdMeasureTemperature byte = 0x03
	cmdMeasureHumidity    byte = 0x05
	cmdReadStatus         byte = 0x07
	cmdWriteStatus        byte = 0x06
	cmdSoftReset          byte = 0x1e

	statusWritable   byte = 0x07
	statusLowBattery byte = 0x40
)

type state int

const (
	stateIdle state = iota
	// Shifting in a byte from the controller.
	stateReceive
	// Device is pulling data low for the acknowledge clock.
	stateAck
	// Measurement running.
	stateBusy
	// Shifting out a byte to the controller.
	stateSend
	// Waiting for the controller's acknowledge after a sent byte.
	stateHostAck
)

// Sensor is a fake SHT1x. Set the exported configuration fields before the
// controller starts talking to it.
type Sensor struct {
	// Status is the device status register.
	Status byte
	// Temperature and Humidity are the raw counts returned by measurements.
	Temperature uint16
	Humidity    uint16
	// BusyPolls is the number of data line samples that read high after a
	// measurement command, before the device signals completion.
	BusyPolls int
	// NoAck makes the device ignore commands and never acknowledge.
	NoAck bool
	// SkipBusy makes the device keep the data line low after a measurement
	// command instead of releasing it.
	SkipBusy bool
	// CorruptCRC flips the checksum bits of measurement and status responses.
	CorruptCRC bool

	Clock *ClockPin
	Data  *DataPin

	mu sync.Mutex

	clk        gpio.Level
	ctrlDrives bool
	ctrlLevel  gpio.Level
	devLevel   gpio.Level
	startArmed bool
	highPulses int

	state         state
	writingStatus bool
	shift         byte
	bits          int
	tx            []byte
	txBit         int
	busyLeft      int

	commands   []byte
	pulses     int
	reads      int
	contention int
	slept      time.Duration
}

// NewSensor returns a fake sensor with status 0 and raw counts that convert
// to roughly 24.3°C and 49.3%RH at high resolution and 3.5V.
func NewSensor() *Sensor {
	s := &Sensor{
		Temperature: 6400,
		Humidity:    1500,
		BusyPolls:   2,
		devLevel:    gpio.High,
	}
	s.Clock = &ClockPin{Pin: &gpiotest.Pin{N: "SCK", Num: 0}, s: s}
	s.Data = &DataPin{Pin: &gpiotest.Pin{N: "DATA", Num: 1}, s: s}
	return s
}

// Delay records d without blocking. Use it as the bus delay function.
func (s *Sensor) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept += d
}

// Slept returns the sum of all durations passed to Delay.
func (s *Sensor) Slept() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slept
}

// Commands returns the command bytes the device acknowledged, in order.
func (s *Sensor) Commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.commands...)
}

// Pulses returns the number of clock pulses since the last start condition.
func (s *Sensor) Pulses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulses
}

// Reads returns the number of times the controller sampled the data line.
func (s *Sensor) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Contention returns how many times the controller drove the data line high
// while the device was pulling it low.
func (s *Sensor) Contention() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contention
}

// Lines returns the clock level and whether the controller drives data.
func (s *Sensor) Lines() (clk gpio.Level, dataDriven bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk, s.ctrlDrives
}

// Idle reports whether the device waits for a start condition.
func (s *Sensor) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateIdle
}

// ClockPin is the controller side of the clock line.
type ClockPin struct {
	*gpiotest.Pin
	s *Sensor
	// Err is returned by Out when set.
	Err error
}

// Out implements gpio.PinOut.
func (p *ClockPin) Out(l gpio.Level) error {
	if p.Err != nil {
		return p.Err
	}
	p.s.clock(l)
	return nil
}

// DataPin is the controller side of the data line.
type DataPin struct {
	*gpiotest.Pin
	s *Sensor
	// Err is returned by Out and In when set.
	Err error
}

// Out implements gpio.PinOut.
func (p *DataPin) Out(l gpio.Level) error {
	if p.Err != nil {
		return p.Err
	}
	p.s.drive(l)
	return nil
}

// In implements gpio.PinIn.
func (p *DataPin) In(pull gpio.Pull, edge gpio.Edge) error {
	if p.Err != nil {
		return p.Err
	}
	p.s.release()
	return nil
}

// Read implements gpio.PinIn.
func (p *DataPin) Read() gpio.Level {
	return p.s.read()
}

func (s *Sensor) drive(l gpio.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == gpio.High && s.devLevel == gpio.Low {
		s.contention++
	}
	prev, wasDriving := s.ctrlLevel, s.ctrlDrives
	s.ctrlDrives, s.ctrlLevel = true, l
	if s.clk != gpio.High || !wasDriving {
		return
	}
	switch {
	case prev == gpio.High && l == gpio.Low:
		s.startArmed = true
	case prev == gpio.Low && l == gpio.High && s.startArmed:
		s.start()
	}
}

func (s *Sensor) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrlDrives = false
}

func (s *Sensor) read() gpio.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.state == stateBusy && !s.ctrlDrives {
		if s.SkipBusy {
			s.state = stateSend
			return gpio.Low
		}
		if s.busyLeft > 0 {
			s.busyLeft--
			return gpio.High
		}
		s.devLevel = gpio.Low
		s.state = stateSend
	}
	return s.level()
}

// level is the wired-and of both parties; data has a pull-up.
func (s *Sensor) level() gpio.Level {
	if s.ctrlDrives && s.ctrlLevel == gpio.Low {
		return gpio.Low
	}
	return s.devLevel
}

func (s *Sensor) start() {
	s.startArmed = false
	s.state = stateReceive
	s.writingStatus = false
	s.shift, s.bits = 0, 0
	s.pulses = 0
	s.devLevel = gpio.High
}

func (s *Sensor) clock(l gpio.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == s.clk {
		return
	}
	s.clk = l
	if l == gpio.High {
		s.rising()
	} else {
		s.falling()
	}
}

func (s *Sensor) rising() {
	s.pulses++
	if s.ctrlDrives && s.ctrlLevel == gpio.High {
		s.highPulses++
	} else {
		s.highPulses = 0
	}
	if s.highPulses >= 9 {
		// Connection reset.
		s.state = stateIdle
		s.devLevel = gpio.High
		return
	}
	switch s.state {
	case stateReceive:
		s.shift <<= 1
		if s.level() == gpio.High {
			s.shift |= 1
		}
		s.bits++
	case stateSend:
		s.devLevel = gpio.Level(s.tx[0]&(0x80>>uint(s.txBit)) != 0)
		s.txBit++
	case stateHostAck:
		if s.ctrlDrives && s.ctrlLevel == gpio.Low {
			s.tx = s.tx[1:]
			s.txBit = 0
			if len(s.tx) == 0 {
				s.state = stateIdle
			} else {
				s.state = stateSend
			}
		} else {
			s.state = stateIdle
		}
	}
}

func (s *Sensor) falling() {
	switch s.state {
	case stateReceive:
		if s.bits == 8 {
			s.state = stateAck
			if !s.NoAck {
				s.devLevel = gpio.Low
			}
		}
	case stateAck:
		s.devLevel = gpio.High
		switch {
		case s.NoAck:
			s.state = stateIdle
		case s.writingStatus:
			s.Status = s.Status&statusLowBattery | s.shift&statusWritable
			s.state = stateIdle
		default:
			s.command(s.shift)
		}
	case stateSend:
		if s.txBit == 8 {
			s.devLevel = gpio.High
			s.state = stateHostAck
		}
	}
}

func (s *Sensor) command(c byte) {
	s.commands = append(s.commands, c)
	s.state = stateIdle
	switch c {
	case cmdMeasureTemperature, cmdMeasureHumidity:
		raw := s.Temperature
		if c == cmdMeasureHumidity {
			raw = s.Humidity
		}
		msb, lsb := byte(raw>>8), byte(raw)
		crc := checksum(s.Status, c, msb, lsb)
		if s.CorruptCRC {
			crc ^= 0xff
		}
		s.tx = []byte{msb, lsb, crc}
		s.txBit = 0
		s.busyLeft = s.BusyPolls
		s.state = stateBusy
	case cmdReadStatus:
		crc := checksum(s.Status, c, s.Status)
		if s.CorruptCRC {
			crc ^= 0xff
		}
		s.tx = []byte{s.Status, crc}
		s.txBit = 0
		s.state = stateSend
	case cmdWriteStatus:
		s.writingStatus = true
		s.shift, s.bits = 0, 0
		s.state = stateReceive
	case cmdSoftReset:
		s.Status &= statusLowBattery
	}
}

// checksum is the shift register CRC from the datasheet, x^8 + x^5 + x^4 + 1,
// seeded with the reversed low nibble of the status register and sent
// reversed.
func checksum(status byte, data ...byte) byte {
	crc := reverse(status & 0x0f)
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			feedback := (crc>>7)^(b>>uint(i))&1 != 0
			crc <<= 1
			if feedback {
				crc ^= 0x31
			}
		}
	}
	return reverse(crc)
}

func reverse(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		if b&(1<<uint(i)) != 0 {
			r |= 0x80 >> uint(i)
		}
	}
	return r
}

var _ gpio.PinOut = &ClockPin{}
var _ gpio.PinIO = &DataPin{}
