// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sht1x

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/twowire/sensibus/sensibustest"
)

// getDev returns a device talking to a fake sensor. configure runs before
// New, so it can prepare the sensor's registers.
func getDev(t *testing.T, opts Opts, configure ...func(s *sensibustest.Sensor)) (*Dev, *sensibustest.Sensor) {
	t.Helper()
	s := sensibustest.NewSensor()
	for _, f := range configure {
		f(s)
	}
	opts.Delay = s.Delay
	dev, err := New(s.Clock, s.Data, &opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := dev.Halt(); err != nil {
			t.Error(err)
		}
	})
	return dev, s
}

func checkCommands(t *testing.T, s *sensibustest.Sensor, want ...byte) {
	t.Helper()
	if diff := cmp.Diff(s.Commands(), want); diff != "" {
		t.Errorf("commands difference (-got +want):\n%s", diff)
	}
	if n := s.Contention(); n != 0 {
		t.Errorf("data line contention %d times", n)
	}
}

func checkTemperature(t *testing.T, got physic.Temperature, celsius float64) {
	t.Helper()
	want := toTemperature(celsius)
	if diff := got - want; diff > physic.MilliKelvin || diff < -physic.MilliKelvin {
		t.Errorf("temperature %s(%d) != %s(%d)", got, got, want, want)
	}
}

func checkHumidity(t *testing.T, got physic.RelativeHumidity, percent float64) {
	t.Helper()
	want := toHumidity(percent)
	if diff := got - want; diff > physic.MilliRH || diff < -physic.MilliRH {
		t.Errorf("humidity %s(%d) != %s(%d)", got, got, want, want)
	}
}

func TestNew(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	checkCommands(t, s, 0x07)
	if r := dev.Resolution(); r != ResolutionHigh {
		t.Errorf("expected high resolution, received %s", r)
	}
	if v := dev.SupplyVoltage(); v != Supply3V5 {
		t.Errorf("expected 3.5V supply, received %s", v)
	}
	if !dev.CRCCheck() {
		t.Error("CRC check disabled by default")
	}
	if dev.String() != "sht1x" {
		t.Errorf("unexpected String() %q", dev.String())
	}
}

func TestNewLowResolution(t *testing.T) {
	opts := DefaultOpts
	opts.Resolution = ResolutionLow
	dev, s := getDev(t, opts)
	checkCommands(t, s, 0x07, 0x06)
	if s.Status != StatusLowResolution {
		t.Errorf("sensor status expected 0x%02x, received 0x%02x", StatusLowResolution, s.Status)
	}
	if r := dev.Resolution(); r != ResolutionLow {
		t.Errorf("expected low resolution, received %s", r)
	}
}

func TestNewKeepsSensorResolution(t *testing.T) {
	opts := DefaultOpts
	opts.Resolution = ResolutionLow
	_, s := getDev(t, opts, func(s *sensibustest.Sensor) {
		s.Status = StatusLowResolution
	})
	checkCommands(t, s, 0x07)
}

func TestNewInvalidOpts(t *testing.T) {
	s := sensibustest.NewSensor()
	opts := DefaultOpts
	opts.SupplyVoltage = SupplyVoltage(-1)
	if _, err := New(s.Clock, s.Data, &opts); err == nil {
		t.Error("expected error for invalid supply voltage")
	}
	opts = DefaultOpts
	opts.Resolution = Resolution(7)
	if _, err := New(s.Clock, s.Data, &opts); err == nil {
		t.Error("expected error for invalid resolution")
	}
	checkCommands(t, s)
}

func TestNewNoSensor(t *testing.T) {
	s := sensibustest.NewSensor()
	s.NoAck = true
	opts := DefaultOpts
	opts.Delay = s.Delay
	if _, err := New(s.Clock, s.Data, &opts); !errors.Is(err, ErrAck) {
		t.Errorf("expected ErrAck, received %v", err)
	}
}

func TestReadTemperature(t *testing.T) {
	dev, s := getDev(t, DefaultOpts, func(s *sensibustest.Sensor) {
		s.Temperature = 400
	})
	temp, err := dev.ReadTemperature()
	if err != nil {
		t.Fatal(err)
	}
	checkTemperature(t, temp, -35.7)
	checkCommands(t, s, 0x07, 0x03)
}

func TestReadHumidity(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	rh, err := dev.ReadHumidity()
	if err != nil {
		t.Fatal(err)
	}
	checkHumidity(t, rh, 49.32)
	// No cached temperature, so one is measured first.
	checkCommands(t, s, 0x07, 0x03, 0x05)

	s.Humidity = 1600
	rh, err = dev.ReadHumidity()
	if err != nil {
		t.Fatal(err)
	}
	checkHumidity(t, rh, HumidityFromRaw(1600, ResolutionHigh, 24.3))
	checkCommands(t, s, 0x07, 0x03, 0x05, 0x05)
}

func TestSense(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	e := physic.Env{Pressure: physic.Pascal}
	if err := dev.Sense(&e); err != nil {
		t.Fatal(err)
	}
	checkTemperature(t, e.Temperature, 24.3)
	checkHumidity(t, e.Humidity, 49.32)
	if e.Pressure != 0 {
		t.Errorf("pressure %s != 0", e.Pressure)
	}
	checkCommands(t, s, 0x07, 0x03, 0x05)
}

func TestLowResolutionConversion(t *testing.T) {
	dev, s := getDev(t, DefaultOpts, func(s *sensibustest.Sensor) {
		s.Temperature = 1600
		s.Humidity = 100
	})
	if err := dev.SetResolution(ResolutionLow); err != nil {
		t.Fatal(err)
	}
	e := physic.Env{}
	if err := dev.Sense(&e); err != nil {
		t.Fatal(err)
	}
	checkTemperature(t, e.Temperature, 24.3)
	checkHumidity(t, e.Humidity, 52.49)
	checkCommands(t, s, 0x07, 0x06, 0x03, 0x05)
}

func TestCRCMismatch(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	if err := dev.SetHeater(true); err != nil {
		t.Fatal(err)
	}
	if v, err := dev.ReadStatusRegister(); err != nil || v != StatusHeater {
		t.Fatalf("ReadStatusRegister()=0x%02x, %v; expected 0x%02x", v, err, StatusHeater)
	}
	if _, err := dev.ReadTemperature(); err != nil {
		t.Fatal(err)
	}

	s.CorruptCRC = true
	if _, err := dev.ReadHumidity(); !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("expected ErrCRCMismatch, received %v", err)
	}
	// Exactly one soft reset, no retry of the measurement.
	checkCommands(t, s, 0x07, 0x06, 0x07, 0x03, 0x05, 0x1e)
	if dev.hasCelsius {
		t.Error("cached temperature kept across soft reset")
	}

	s.CorruptCRC = false
	v, err := dev.ReadStatusRegister()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("status after CRC mismatch expected 0, received 0x%02x", v)
	}
}

func TestStatusCRCMismatch(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	if err := dev.SetHeater(true); err != nil {
		t.Fatal(err)
	}
	s.CorruptCRC = true
	if _, err := dev.ReadStatusRegister(); !errors.Is(err, ErrCRCMismatch) {
		t.Fatalf("expected ErrCRCMismatch, received %v", err)
	}
	checkCommands(t, s, 0x07, 0x06, 0x07, 0x1e)
	if s.Status != 0 {
		t.Errorf("sensor status after soft reset 0x%02x", s.Status)
	}
	if dev.status != 0 {
		t.Errorf("cached status after soft reset 0x%02x", dev.status)
	}

	s.CorruptCRC = false
	v, err := dev.ReadStatusRegister()
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Errorf("status after CRC mismatch expected 0, received 0x%02x", v)
	}
}

func TestCRCCheckDisabled(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	dev.SetCRCCheck(false)
	if dev.CRCCheck() {
		t.Fatal("CRC check still enabled")
	}
	s.CorruptCRC = true
	temp, err := dev.ReadTemperature()
	if err != nil {
		t.Fatal(err)
	}
	checkTemperature(t, temp, 24.3)
	if !s.Idle() {
		t.Error("sensor still sending after the transfer")
	}
	if _, err := dev.ReadStatusRegister(); err != nil {
		t.Fatal(err)
	}
	checkCommands(t, s, 0x07, 0x03, 0x07)
}

func TestAckError(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	s.NoAck = true
	if _, err := dev.ReadTemperature(); !errors.Is(err, ErrAck) {
		t.Fatalf("expected ErrAck, received %v", err)
	}
	// Eight command bits and the acknowledge clock, nothing read after.
	if n := s.Pulses(); n != 9 {
		t.Errorf("expected 9 clock pulses, received %d", n)
	}
	checkCommands(t, s, 0x07)
}

func TestMeasurementNotAcknowledged(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	s.SkipBusy = true
	if _, err := dev.ReadTemperature(); !errors.Is(err, ErrMeasurementNotAcknowledged) {
		t.Fatalf("expected ErrMeasurementNotAcknowledged, received %v", err)
	}
	checkCommands(t, s, 0x07, 0x03)
}

func TestTimeout(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	if err := dev.SetHeater(true); err != nil {
		t.Fatal(err)
	}
	if _, err := dev.ReadTemperature(); err != nil {
		t.Fatal(err)
	}
	s.BusyPolls = 1000
	start := s.Slept()
	if _, err := dev.ReadHumidity(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, received %v", err)
	}
	if waited := s.Slept() - start; waited < 350*time.Millisecond {
		t.Errorf("waited %s before timing out", waited)
	}
	// No implicit reset.
	checkCommands(t, s, 0x07, 0x06, 0x03, 0x05)
	if dev.status != StatusHeater {
		t.Errorf("cached status changed to 0x%02x", dev.status)
	}
	if !dev.hasCelsius {
		t.Error("cached temperature dropped")
	}

	s.BusyPolls = 2
	if _, err := dev.ReadHumidity(); err != nil {
		t.Fatal(err)
	}
}

func TestReadStatusRegisterIdempotent(t *testing.T) {
	dev, _ := getDev(t, DefaultOpts, func(s *sensibustest.Sensor) {
		s.Status = StatusNoReload
	})
	a, err := dev.ReadStatusRegister()
	if err != nil {
		t.Fatal(err)
	}
	b, err := dev.ReadStatusRegister()
	if err != nil {
		t.Fatal(err)
	}
	if a != b || a != StatusNoReload {
		t.Errorf("ReadStatusRegister() returned 0x%02x then 0x%02x, expected 0x%02x", a, b, StatusNoReload)
	}
}

func TestWriteStatusRegister(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	if err := dev.WriteStatusRegister(StatusLowBattery); err == nil {
		t.Error("expected error writing read-only bit")
	}
	if err := dev.WriteStatusRegister(StatusNoReload | StatusHeater); err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusNoReload|StatusHeater {
		t.Errorf("sensor status expected 0x06, received 0x%02x", s.Status)
	}
	checkCommands(t, s, 0x07, 0x06)
}

func TestSetHeater(t *testing.T) {
	opts := DefaultOpts
	opts.Resolution = ResolutionLow
	dev, s := getDev(t, opts, func(s *sensibustest.Sensor) {
		s.Status = StatusLowResolution
	})
	if err := dev.SetHeater(true); err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusLowResolution|StatusHeater {
		t.Errorf("sensor status expected 0x05, received 0x%02x", s.Status)
	}
	if err := dev.SetHeater(false); err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusLowResolution {
		t.Errorf("sensor status expected 0x01, received 0x%02x", s.Status)
	}
	if err := dev.SetResolution(Resolution(5)); err == nil {
		t.Error("expected error for invalid resolution")
	}
}

func TestLowBattery(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	low, err := dev.LowBattery()
	if err != nil || low {
		t.Errorf("LowBattery()=%t, %v", low, err)
	}
	s.Status |= StatusLowBattery
	low, err = dev.LowBattery()
	if err != nil || !low {
		t.Errorf("LowBattery()=%t, %v", low, err)
	}
}

func TestSoftReset(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	if err := dev.SetResolution(ResolutionLow); err != nil {
		t.Fatal(err)
	}
	start := s.Slept()
	if err := dev.SoftReset(); err != nil {
		t.Fatal(err)
	}
	if waited := s.Slept() - start; waited < softResetDelay {
		t.Errorf("waited %s after soft reset", waited)
	}
	if s.Status != 0 {
		t.Errorf("sensor status 0x%02x after soft reset", s.Status)
	}
	if r := dev.Resolution(); r != ResolutionHigh {
		t.Errorf("expected high resolution after soft reset, received %s", r)
	}
	checkCommands(t, s, 0x07, 0x06, 0x1e)
}

func TestReset(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	if err := dev.Reset(); err != nil {
		t.Fatal(err)
	}
	if !s.Idle() {
		t.Error("sensor not idle after Reset()")
	}
	if _, err := dev.ReadTemperature(); err != nil {
		t.Fatal(err)
	}
}

func TestPrecision(t *testing.T) {
	dev, _ := getDev(t, DefaultOpts)
	e := physic.Env{}
	dev.Precision(&e)
	if e.Temperature != 10*physic.MilliKelvin || e.Humidity != physic.PercentRH/20 {
		t.Errorf("high resolution precision %s %s", e.Temperature, e.Humidity)
	}
	if err := dev.SetResolution(ResolutionLow); err != nil {
		t.Fatal(err)
	}
	dev.Precision(&e)
	if e.Temperature != 40*physic.MilliKelvin || e.Humidity != physic.PercentRH/2 {
		t.Errorf("low resolution precision %s %s", e.Temperature, e.Humidity)
	}
}

func TestSenseContinuous(t *testing.T) {
	dev, s := getDev(t, DefaultOpts)
	if _, err := dev.SenseContinuous(10 * time.Millisecond); err == nil {
		t.Error("expected error for short interval")
	}
	ch, err := dev.SenseContinuous(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.SenseContinuous(time.Second); err == nil {
		t.Error("expected error for second SenseContinuous")
	}
	select {
	case e := <-ch:
		checkTemperature(t, e.Temperature, 24.3)
		checkHumidity(t, e.Humidity, 49.32)
	case <-time.After(5 * time.Second):
		t.Fatal("no reading from SenseContinuous")
	}
	if err := dev.Halt(); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	clk, driven := s.Lines()
	if clk != gpio.Low || driven {
		t.Errorf("Halt() left clock=%s data driven=%t", clk, driven)
	}
}

func TestHaltConcurrent(t *testing.T) {
	dev, _ := getDev(t, DefaultOpts)
	for i := 0; i < 3; i++ {
		ch, err := dev.SenseContinuous(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_ = dev.Halt()
			}()
			go func() {
				defer wg.Done()
				if c, err := dev.SenseContinuous(time.Second); err == nil {
					go func() {
						for range c {
						}
					}()
				}
			}()
		}
		wg.Wait()
		// Whatever started during the race is stopped by a final Halt.
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := dev.Halt(); err != nil {
				t.Error(err)
			}
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Halt blocked")
		}
		for range ch {
		}
	}
}
