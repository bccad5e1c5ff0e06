// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sht1x

import (
	"math"

	"periph.io/x/conn/v3/physic"
)

// Temperature coefficients. d2 depends on the supply voltage.
const (
	d1High = 0.01
	d1Low  = 0.04
)

var d2 = [...]float64{
	Supply5V:  -40.1,
	Supply4V:  -39.8,
	Supply3V5: -39.7,
	Supply3V:  -39.6,
	Supply2V5: -39.4,
}

// Humidity coefficients, linear part and temperature compensation.
const (
	c1     = -2.0468
	c2High = 0.0367
	c2Low  = 0.5872
	c3High = -1.5955e-6
	c3Low  = -4.0845e-4

	t1     = 0.01
	t2High = 0.00008
	t2Low  = 0.00128
)

// TemperatureFromRaw converts a raw temperature reading to degrees Celsius.
// It returns NaN for an unknown supply voltage.
func TemperatureFromRaw(raw uint16, r Resolution, v SupplyVoltage) float64 {
	if !v.valid() {
		return math.NaN()
	}
	d1 := d1High
	if r == ResolutionLow {
		d1 = d1Low
	}
	// Explicit conversion: no fused multiply-add.
	return float64(float64(raw)*d1) + d2[v]
}

// HumidityFromRaw converts a raw humidity reading to percent relative
// humidity, compensated for the temperature in degrees Celsius. The result is
// rounded to two decimals.
func HumidityFromRaw(raw uint16, r Resolution, celsius float64) float64 {
	c2, c3, t2 := c2High, c3High, t2High
	if r == ResolutionLow {
		c2, c3, t2 = c2Low, c3Low, t2Low
	}
	so := float64(raw)
	linear := c1 + c2*so + c3*so*so
	return round2((celsius-25)*(t1+t2*so) + linear)
}

// round2 rounds to two decimals, halves to even.
func round2(v float64) float64 {
	return math.RoundToEven(v*100) / 100
}

func toTemperature(celsius float64) physic.Temperature {
	return physic.Temperature(celsius*float64(physic.Kelvin)) + physic.ZeroCelsius
}

func toHumidity(percent float64) physic.RelativeHumidity {
	return physic.RelativeHumidity(percent * float64(physic.PercentRH))
}
