// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sht1x controls Sensirion SHT10, SHT11 and SHT15 humidity and
// temperature sensors.
//
// The sensors do not speak I²C. They use a two-wire bus with their own start
// condition, acknowledge and checksum scheme, driven here over two GPIO lines
// (see package sensibus). The data line needs a pull-up.
//
// The sht1x.Dev type implements physic.SenseEnv. Pressure is always 0.
//
// # Resolution
//
// High: 14 bit temperature (0.01°C), 12 bit humidity (0.05%RH).
//
// Low: 12 bit temperature (0.04°C), 8 bit humidity (0.5%RH). Conversions
// are about four times faster.
//
// # Supply voltage
//
// The temperature conversion depends on the sensor supply voltage. Pick the
// SupplyVoltage closest to the actual supply.
//
// # Datasheet
//
// https://sensirion.com/media/documents/BD45ECB5/61642783/Sensirion_Humidity_Sensors_SHT1x_Datasheet.pdf
package sht1x
