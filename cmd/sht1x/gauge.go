// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"periph.io/x/conn/v3/physic"
)

// Measurement range of the sensor.
const (
	minCelsius = -40.
	maxCelsius = 123.8
)

// gauge renders a reading as two colored bars on an ANSI terminal.
type gauge struct {
	w       io.Writer
	width   int
	palette ansi256.Palette

	buf bytes.Buffer
}

func newGauge(w io.Writer, width int, p *ansi256.Palette) *gauge {
	if p == nil {
		p = ansi256.Default
	}
	return &gauge{w: w, width: width, palette: *p}
}

func celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Celsius)
}

func percent(h physic.RelativeHumidity) float64 {
	return float64(h) / float64(physic.PercentRH)
}

// cells returns how many of width cells v fills within [lo, hi].
func cells(v, lo, hi float64, width int) int {
	n := int((v - lo) / (hi - lo) * float64(width))
	if n < 0 {
		return 0
	}
	if n > width {
		return width
	}
	return n
}

// bar appends n cells of c then pads to the gauge width.
func (g *gauge) bar(n int, c color.NRGBA) {
	_, _ = g.buf.WriteString("\033[0m")
	for i := 0; i < n; i++ {
		_, _ = io.WriteString(&g.buf, g.palette.Block(c))
	}
	_, _ = g.buf.WriteString("\033[0m")
	for i := n; i < g.width; i++ {
		_ = g.buf.WriteByte(' ')
	}
}

// Draw writes one line for e. The temperature bar shifts from blue to red,
// the humidity bar from yellow to blue.
func (g *gauge) Draw(e *physic.Env) error {
	g.buf.Reset()
	c := celsius(e.Temperature)
	n := cells(c, minCelsius, maxCelsius, g.width)
	heat := byte(255 * n / max(g.width, 1))
	g.bar(n, color.NRGBA{heat, 0, 255 - heat, 255})
	fmt.Fprintf(&g.buf, " %8.2f°C  ", c)

	h := percent(e.Humidity)
	n = cells(h, 0, 100, g.width)
	wet := byte(255 * n / max(g.width, 1))
	g.bar(n, color.NRGBA{255 - wet, 255 - wet, wet, 255})
	fmt.Fprintf(&g.buf, " %6.2f%%RH\n", h)
	_, err := g.buf.WriteTo(g.w)
	return err
}

// Halt resets the terminal colors.
func (g *gauge) Halt() error {
	_, err := g.w.Write([]byte("\033[0m"))
	return err
}
