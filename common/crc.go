// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functions used across multiple packages. For
// example, the CRC-8 variant used on the Sensirion two-wire bus.
package common

import (
	"math/bits"

	"github.com/sigurn/crc8"
)

// sensibusTable is the x^8 + x^5 + x^4 + 1 table, fed MSB first. The device
// sends the final remainder with its bit order reversed.
var sensibusTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0x00,
	RefIn:  false,
	RefOut: true,
	XorOut: 0x00,
	Check:  0x45,
	Name:   "CRC-8/SENSIBUS",
})

// ReflectByte returns b with its bit order reversed.
func ReflectByte(b byte) byte {
	return bits.Reverse8(b)
}

// CRC8Step advances the accumulator by one input byte.
func CRC8Step(acc, input byte) byte {
	return crc8.Update(acc, []byte{input}, sensibusTable)
}

// SensibusSeed returns the initial CRC value for a given status register.
// Only the low nibble of the register takes part, entering the remainder
// reversed.
func SensibusSeed(status byte) byte {
	return ReflectByte(status) & 0xf0
}

// SensibusCRC8 calculates the checksum the device appends to a transfer.
// data is the command byte followed by every byte the device sent before the
// checksum.
func SensibusCRC8(status byte, data ...byte) byte {
	acc := SensibusSeed(status)
	for _, b := range data {
		acc = CRC8Step(acc, b)
	}
	return crc8.Complete(acc, sensibusTable)
}
