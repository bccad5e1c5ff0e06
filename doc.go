// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package twowire is a container for drivers of Sensirion sensors that speak
// the bit-banged two-wire bus of the SHT1x family.
//
// The sht1x package is the device driver. It runs over any pair of
// periph.io/x/conn/v3/gpio pins; sensibus implements the bus framing and
// ch347gpio provides pins on a CH347 USB bridge.
package twowire
