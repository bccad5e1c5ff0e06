// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// sht1x reads temperature and relative humidity from an SHT1x sensor.
//
// The bus lines are either host GPIOs looked up by name, or the GPIO lines of
// a CH347 USB bridge when -ch347 is set.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/twowire/ch347gpio"
	"github.com/GermanBionicSystems/twowire/sht1x"
)

func parseSupply(s string) (sht1x.SupplyVoltage, error) {
	for _, v := range []sht1x.SupplyVoltage{sht1x.Supply5V, sht1x.Supply4V, sht1x.Supply3V5, sht1x.Supply3V, sht1x.Supply2V5} {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown supply voltage %q; use 5V, 4V, 3.5V, 3V or 2.5V", s)
}

// bridgePin returns the CH347 GPIO named by its number.
func bridgePin(d *ch347gpio.Dev, name string) (gpio.PinIO, error) {
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 || n >= len(d.Pins) {
		return nil, fmt.Errorf("invalid CH347 GPIO %q", name)
	}
	return d.Pins[n], nil
}

// hostPin returns the host GPIO registered as name.
func hostPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no GPIO %q", name)
	}
	return p, nil
}

func mainImpl() error {
	clkName := flag.String("clk", "GPIO23", "clock line")
	dataName := flag.String("data", "GPIO24", "data line")
	bridge := flag.Bool("ch347", false, "use the GPIO lines of a CH347 USB bridge; -clk and -data are then line numbers")
	vdd := flag.String("vdd", sht1x.DefaultOpts.SupplyVoltage.String(), "sensor supply voltage")
	lowRes := flag.Bool("lowres", false, "measure at 8 bit humidity and 12 bit temperature")
	noCRC := flag.Bool("nocrc", false, "skip CRC verification")
	heater := flag.Bool("heater", false, "turn the on-chip heater on")
	interval := flag.Duration("interval", 0, "sense continuously at this interval")
	plain := flag.Bool("plain", false, "plain text output")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(io.Discard)
	}
	log.SetFlags(log.Lmicroseconds)
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	opts := sht1x.DefaultOpts
	v, err := parseSupply(*vdd)
	if err != nil {
		return err
	}
	opts.SupplyVoltage = v
	opts.CRCCheck = !*noCRC
	if *lowRes {
		opts.Resolution = sht1x.ResolutionLow
	}

	var clk, data gpio.PinIO
	if *bridge {
		d, err := ch347gpio.Open()
		if err != nil {
			return err
		}
		defer d.Halt()
		log.Printf("using %s", d)
		if clk, err = bridgePin(d, *clkName); err != nil {
			return err
		}
		if data, err = bridgePin(d, *dataName); err != nil {
			return err
		}
	} else {
		if _, err := host.Init(); err != nil {
			return err
		}
		if clk, err = hostPin(*clkName); err != nil {
			return err
		}
		if data, err = hostPin(*dataName); err != nil {
			return err
		}
	}
	log.Printf("clock %s, data %s", clk, data)

	dev, err := sht1x.New(clk, data, &opts)
	if err != nil {
		return err
	}
	defer dev.Halt()
	status, err := dev.ReadStatusRegister()
	if err != nil {
		return err
	}
	log.Printf("%s: status 0x%02x, %s resolution, %s supply", dev, status, dev.Resolution(), dev.SupplyVoltage())
	if status&sht1x.StatusLowBattery != 0 {
		fmt.Fprintln(os.Stderr, "warning: supply below 2.47V")
	}
	if *heater {
		if err := dev.SetHeater(true); err != nil {
			return err
		}
		defer dev.SetHeater(false)
	}

	out := func(e *physic.Env) error {
		_, err := fmt.Printf("%8s %10s\n", e.Temperature, e.Humidity)
		return err
	}
	if !*plain {
		g := newGauge(colorable.NewColorableStdout(), 20, nil)
		defer g.Halt()
		out = g.Draw
	}

	if *interval == 0 {
		var e physic.Env
		if err := dev.Sense(&e); err != nil {
			return err
		}
		return out(&e)
	}
	c, err := dev.SenseContinuous(*interval)
	if err != nil {
		return err
	}
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	for {
		select {
		case <-stop:
			return nil
		case e, ok := <-c:
			if !ok {
				return nil
			}
			if err := out(&e); err != nil {
				return err
			}
		}
	}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "sht1x: %s.\n", err)
		os.Exit(1)
	}
}
