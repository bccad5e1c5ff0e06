// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sht1x

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/twowire/common"
	"github.com/GermanBionicSystems/twowire/sensibus"
)

// Resolution selects the measurement resolution.
type Resolution int

const (
	// 14 bit temperature, 12 bit humidity.
	ResolutionHigh Resolution = iota
	// 12 bit temperature, 8 bit humidity.
	ResolutionLow
)

func (r Resolution) String() string {
	switch r {
	case ResolutionHigh:
		return "high"
	case ResolutionLow:
		return "low"
	default:
		return fmt.Sprintf("Resolution(%d)", int(r))
	}
}

// SupplyVoltage is the calibration class of the sensor supply voltage.
type SupplyVoltage int

const (
	Supply5V SupplyVoltage = iota
	Supply4V
	Supply3V5
	Supply3V
	Supply2V5
)

func (v SupplyVoltage) valid() bool {
	return v >= Supply5V && v <= Supply2V5
}

func (v SupplyVoltage) String() string {
	switch v {
	case Supply5V:
		return "5V"
	case Supply4V:
		return "4V"
	case Supply3V5:
		return "3.5V"
	case Supply3V:
		return "3V"
	case Supply2V5:
		return "2.5V"
	default:
		return fmt.Sprintf("SupplyVoltage(%d)", int(v))
	}
}

// Status register bits.
const (
	// Set for low resolution measurements.
	StatusLowResolution byte = 0x01
	// Set to skip reloading calibration from OTP before each measurement.
	StatusNoReload byte = 0x02
	// Set to turn the on-chip heater on.
	StatusHeater byte = 0x04
	// Read only. Set when the supply voltage is below about 2.47V.
	StatusLowBattery byte = 0x40

	statusWritable = StatusLowResolution | StatusNoReload | StatusHeater
)

type command byte

const (
	cmdNoOp               command = 0x00
	cmdMeasureTemperature command = 0x03
	cmdMeasureHumidity    command = 0x05
	cmdReadStatus         command = 0x07
	cmdWriteStatus        command = 0x06
	cmdSoftReset          command = 0x1e
)

func (c command) String() string {
	switch c {
	case cmdNoOp:
		return "no-op"
	case cmdMeasureTemperature:
		return "measure temperature"
	case cmdMeasureHumidity:
		return "measure humidity"
	case cmdReadStatus:
		return "read status"
	case cmdWriteStatus:
		return "write status"
	case cmdSoftReset:
		return "soft reset"
	default:
		return fmt.Sprintf("command(0x%02x)", byte(c))
	}
}

const (
	// The datasheet asks for 11ms.
	softResetDelay = 15 * time.Millisecond
	// Keeps self heating below 0.1°C.
	minSampleInterval = time.Second
)

var (
	// ErrAck is returned when the sensor does not acknowledge a byte. This
	// usually means a wiring or power fault.
	ErrAck = sensibus.ErrNoAck
	// ErrMeasurementNotAcknowledged is returned when the sensor does not
	// release the data line after a measurement command.
	ErrMeasurementNotAcknowledged = errors.New("sht1x: sensor did not enter measurement state")
	// ErrTimeout is returned when a measurement does not complete within
	// sensibus.ResultTimeout. The sensor may still finish the conversion.
	ErrTimeout = sensibus.ErrTimeout
	// ErrCRCMismatch is returned when a checksum does not match. The sensor is
	// soft reset before the error is returned; the read is not retried.
	ErrCRCMismatch = errors.New("sht1x: CRC mismatch")
)

// Opts holds the configuration options for the device.
type Opts struct {
	// Resolution is written to the status register by New.
	Resolution Resolution
	// SupplyVoltage selects the temperature calibration offset.
	SupplyVoltage SupplyVoltage
	// CRCCheck enables checksum validation of every read. Default is true.
	CRCCheck bool
	// Delay overrides the bus delay function. Leave nil for real time.
	Delay func(time.Duration)
}

// DefaultOpts holds the default configuration options for the device.
var DefaultOpts = Opts{
	Resolution:    ResolutionHigh,
	SupplyVoltage: Supply3V5,
	CRCCheck:      true,
}

// Dev is a handle to an SHT1x sensor.
type Dev struct {
	bus    *sensibus.Bus
	supply SupplyVoltage

	mu       sync.Mutex
	crcCheck bool
	// Mirror of the device status register.
	status byte
	// Last temperature in °C, used by the humidity compensation.
	celsius    float64
	hasCelsius bool

	// stop and done belong to a running SenseContinuous. They stay set
	// until its goroutine has exited.
	stop chan struct{}
	done chan struct{}
}

// New returns a Dev on the given clock and data lines. It resets the
// connection, reads the status register, and writes the requested resolution
// if the sensor is not already in it. The Opts can be nil.
func New(clk gpio.PinOut, data gpio.PinIO, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if !opts.SupplyVoltage.valid() {
		return nil, fmt.Errorf("sht1x: invalid supply voltage %s", opts.SupplyVoltage)
	}
	if opts.Resolution != ResolutionHigh && opts.Resolution != ResolutionLow {
		return nil, fmt.Errorf("sht1x: invalid resolution %s", opts.Resolution)
	}
	d := &Dev{
		bus:      sensibus.New(clk, data, &sensibus.Opts{Delay: opts.Delay}),
		supply:   opts.SupplyVoltage,
		crcCheck: opts.CRCCheck,
	}
	if err := d.Reset(); err != nil {
		return nil, err
	}
	if _, err := d.ReadStatusRegister(); err != nil {
		return nil, fmt.Errorf("sht1x: reading status: %w", err)
	}
	if d.Resolution() != opts.Resolution {
		if err := d.SetResolution(opts.Resolution); err != nil {
			return nil, fmt.Errorf("sht1x: setting resolution: %w", err)
		}
	}
	return d, nil
}

func (d *Dev) String() string {
	return "sht1x"
}

// Reset runs the connection reset sequence. Use it to resynchronize after an
// interrupted transfer. The status register and cached temperature are kept.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.bus.Reset(); err != nil {
		return fmt.Errorf("sht1x: connection reset: %w", err)
	}
	return nil
}

// SoftReset resets the sensor interface and clears the status register to
// its default. The cached temperature is discarded.
func (d *Dev) SoftReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.softReset()
}

// ReadTemperature measures the temperature.
func (d *Dev) ReadTemperature() (physic.Temperature, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.readTemperature()
	if err != nil {
		return 0, err
	}
	return toTemperature(c), nil
}

// ReadHumidity measures the relative humidity. The compensation uses the
// last measured temperature; one is measured first if there is none.
func (d *Dev) ReadHumidity() (physic.RelativeHumidity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rh, err := d.readHumidity()
	if err != nil {
		return 0, err
	}
	return toHumidity(rh), nil
}

// ReadStatusRegister reads the status register from the sensor.
func (d *Dev) ReadStatusRegister() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readStatus()
}

// WriteStatusRegister writes the status register. Only StatusLowResolution,
// StatusNoReload and StatusHeater may be set.
func (d *Dev) WriteStatusRegister(v byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeStatus(v)
}

// SetResolution changes the measurement resolution.
func (d *Dev) SetResolution(r Resolution) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.status & statusWritable &^ StatusLowResolution
	switch r {
	case ResolutionHigh:
	case ResolutionLow:
		v |= StatusLowResolution
	default:
		return fmt.Errorf("sht1x: invalid resolution %s", r)
	}
	return d.writeStatus(v)
}

// SetHeater turns the on-chip heater on or off. The heater raises the sensor
// temperature by 5-10°C; readings taken while it is on are not ambient.
func (d *Dev) SetHeater(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.status & statusWritable &^ StatusHeater
	if on {
		v |= StatusHeater
	}
	return d.writeStatus(v)
}

// LowBattery reads the status register and reports whether the supply
// voltage dropped below about 2.47V.
func (d *Dev) LowBattery() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.readStatus()
	if err != nil {
		return false, err
	}
	return v&StatusLowBattery != 0, nil
}

// Resolution returns the resolution according to the cached status register.
func (d *Dev) Resolution() Resolution {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolution()
}

// SupplyVoltage returns the configured supply voltage class.
func (d *Dev) SupplyVoltage() SupplyVoltage {
	return d.supply
}

// CRCCheck reports whether checksums are validated.
func (d *Dev) CRCCheck() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crcCheck
}

// SetCRCCheck enables or disables checksum validation. When disabled the
// checksum byte is not read at all.
func (d *Dev) SetCRCCheck(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.crcCheck = enabled
}

// Sense implements physic.SenseEnv. It measures the temperature, then the
// humidity compensated with that temperature. A high resolution reading
// takes up to 400ms.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.Pressure = 0
	c, err := d.readTemperature()
	if err != nil {
		return err
	}
	rh, err := d.readHumidity()
	if err != nil {
		return err
	}
	e.Temperature = toTemperature(c)
	e.Humidity = toHumidity(rh)
	return nil
}

// SenseContinuous implements physic.SenseEnv. It returns a channel that
// receives a measurement every interval. Failed readings are skipped. Call
// Halt to stop.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if interval < minSampleInterval {
		return nil, fmt.Errorf("sht1x: sample interval %s is below %s", interval, minSampleInterval)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil, errors.New("sht1x: SenseContinuous already running")
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	d.stop, d.done = stop, done
	ch := make(chan physic.Env, 16)
	go func() {
		defer close(done)
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				var e physic.Env
				if err := d.Sense(&e); err != nil {
					continue
				}
				select {
				case ch <- e:
				case <-stop:
					return
				}
			}
		}
	}()
	return ch, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e.Pressure = 0
	if d.resolution() == ResolutionLow {
		e.Temperature = 40 * physic.MilliKelvin
		e.Humidity = physic.PercentRH / 2
		return
	}
	e.Temperature = 10 * physic.MilliKelvin
	e.Humidity = physic.PercentRH / 20
}

// Halt stops a running SenseContinuous and releases the lines: data is left
// to its pull-up and the clock is parked low. Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	d.mu.Unlock()
	if done != nil {
		<-done
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == stop {
		d.stop, d.done = nil, nil
	}
	return d.bus.Idle()
}

func (d *Dev) resolution() Resolution {
	if d.status&StatusLowResolution != 0 {
		return ResolutionLow
	}
	return ResolutionHigh
}

func (d *Dev) sendCommand(cmd command, measurement bool) error {
	if err := d.bus.TransmissionStart(); err != nil {
		return err
	}
	if err := d.bus.SendByte(byte(cmd)); err != nil {
		return err
	}
	if err := d.bus.GetAck(); err != nil {
		return fmt.Errorf("sht1x: %s: %w", cmd, err)
	}
	if measurement {
		// The sensor releases data after the acknowledge and pulls it low
		// again once the conversion is done. High here means it is busy
		// converting; Low means it never started.
		l, err := d.bus.Sample()
		if err != nil {
			return err
		}
		if l == gpio.Low {
			return fmt.Errorf("%w (%s)", ErrMeasurementNotAcknowledged, cmd)
		}
	}
	return nil
}

func (d *Dev) softReset() error {
	if err := d.sendCommand(cmdSoftReset, false); err != nil {
		return err
	}
	d.bus.Sleep(softResetDelay)
	d.status = 0
	d.hasCelsius = false
	return nil
}

// readMeasurement runs a full measurement transfer and returns the raw count.
func (d *Dev) readMeasurement(cmd command) (uint16, error) {
	if err := d.sendCommand(cmd, true); err != nil {
		return 0, err
	}
	if err := d.bus.WaitForResult(); err != nil {
		return 0, fmt.Errorf("sht1x: %s: %w", cmd, err)
	}
	msb, err := d.bus.GetByte()
	if err != nil {
		return 0, err
	}
	if err := d.bus.SendAck(); err != nil {
		return 0, err
	}
	lsb, err := d.bus.GetByte()
	if err != nil {
		return 0, err
	}
	raw := uint16(msb)<<8 | uint16(lsb)
	if !d.crcCheck {
		return raw, d.bus.TransmissionEnd()
	}
	crc, err := d.readCRC()
	if err != nil {
		return 0, err
	}
	if err := d.checkCRC(crc, d.status, byte(cmd), msb, lsb); err != nil {
		return 0, err
	}
	return raw, nil
}

// readCRC acknowledges the previous byte, reads the checksum and ends the
// transfer.
func (d *Dev) readCRC() (byte, error) {
	if err := d.bus.SendAck(); err != nil {
		return 0, err
	}
	crc, err := d.bus.GetByte()
	if err != nil {
		return 0, err
	}
	return crc, d.bus.TransmissionEnd()
}

// checkCRC compares the received checksum with the one computed over data,
// seeded from status. On mismatch the sensor is soft reset.
func (d *Dev) checkCRC(got, status byte, data ...byte) error {
	want := common.SensibusCRC8(status, data...)
	if got == want {
		return nil
	}
	err := fmt.Errorf("%w: received 0x%02x, expected 0x%02x", ErrCRCMismatch, got, want)
	if rerr := d.softReset(); rerr != nil {
		return errors.Join(err, fmt.Errorf("sht1x: soft reset after CRC mismatch: %w", rerr))
	}
	return err
}

func (d *Dev) readTemperature() (float64, error) {
	raw, err := d.readMeasurement(cmdMeasureTemperature)
	if err != nil {
		return 0, err
	}
	c := TemperatureFromRaw(raw, d.resolution(), d.supply)
	d.celsius, d.hasCelsius = c, true
	return c, nil
}

func (d *Dev) readHumidity() (float64, error) {
	if !d.hasCelsius {
		if _, err := d.readTemperature(); err != nil {
			return 0, err
		}
	}
	raw, err := d.readMeasurement(cmdMeasureHumidity)
	if err != nil {
		return 0, err
	}
	return HumidityFromRaw(raw, d.resolution(), d.celsius), nil
}

func (d *Dev) readStatus() (byte, error) {
	if err := d.sendCommand(cmdReadStatus, false); err != nil {
		return 0, err
	}
	v, err := d.bus.GetByte()
	if err != nil {
		return 0, err
	}
	if d.crcCheck {
		crc, err := d.readCRC()
		if err != nil {
			return 0, err
		}
		// The sensor seeds the checksum with the register it is sending.
		if err := d.checkCRC(crc, v, byte(cmdReadStatus), v); err != nil {
			return 0, err
		}
	} else if err := d.bus.TransmissionEnd(); err != nil {
		return 0, err
	}
	d.status = v
	return v, nil
}

func (d *Dev) writeStatus(v byte) error {
	if v&^statusWritable != 0 {
		return fmt.Errorf("sht1x: invalid status register value 0x%02x", v)
	}
	if err := d.sendCommand(cmdWriteStatus, false); err != nil {
		return err
	}
	if err := d.bus.SendByte(v); err != nil {
		return err
	}
	if err := d.bus.GetAck(); err != nil {
		return fmt.Errorf("sht1x: %s 0x%02x: %w", cmdWriteStatus, v, err)
	}
	d.status = d.status&StatusLowBattery | v
	return nil
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
