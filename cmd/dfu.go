// Copyright (C) 2018 Rob Caelers <rob.caelers@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"io/ioutil"
	"time"

	"github.com/godfu/nrf-securedfu/ble"
	"github.com/godfu/nrf-securedfu/dfu"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

type dfuCommand struct {
	*baseCommand

	timeout          time.Duration
	address          string
	firmwareFilename string
	noSmartSpeed     bool
}

func newDfuCommand() *dfuCommand {
	c := &dfuCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "dfu",
		Short: "Perform device firmware upgrade",
		Args:  cobra.NoArgs,
		Long: `This command can be used to perform a firmware upgrade of an nRF51 or nRF52
device. The device must already be in DFU mode: this command does not use the
Buttonless DFU service to reboot it. Use the boot command for that first.`,
		Example: `nrf-securedfu dfu --address 4b668b2e16e41429fca7af1b0dc50644 --firmware FW.zip
nrf-securedfu dfu --address 4b668b2e16e41429fca7af1b0dc50644 --firmware FW.zip --timeout=20s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDfu()
		},
	})

	c.cmd.Flags().DurationVarP(&c.timeout, "timeout", "t", 30*time.Second, "Timeout for connecting to device")
	c.cmd.Flags().StringVarP(&c.firmwareFilename, "firmware", "f", "", "Filename of the firmware archive")
	c.cmd.Flags().StringVarP(&c.address, "address", "a", "", "Address of device to be upgraded")
	c.cmd.Flags().BoolVar(&c.noSmartSpeed, "no-smart-speed", false, "Disable automatic packet size/PRN degradation on transport failures")
	return c
}

func (c *dfuCommand) runDfu() error {
	if c.address == "" {
		return errors.New("no address specified. Use --address to specify device address")
	}
	if c.firmwareFilename == "" {
		return errors.New("no firmware filename specified. Use --firmware to specify firmware archive filename")
	}

	jww.INFO.Printf("Upgrading firmware of device '%s' with '%s'\n", c.address, c.firmwareFilename)

	raw, err := ioutil.ReadFile(c.firmwareFilename)
	if err != nil {
		return errors.Wrap(err, "failed to read firmware archive")
	}

	pkg, err := dfu.OpenPackage(raw)
	if err != nil {
		return errors.Wrap(err, "failed to open firmware archive")
	}

	var kinds []string
	if base := pkg.BaseImage(); base != "" {
		kinds = append(kinds, base)
	}
	if app := pkg.AppImage(); app != "" {
		kinds = append(kinds, app)
	}
	if len(kinds) == 0 {
		return errors.New("firmware archive manifest contains neither a base image nor an application image")
	}

	scanner, err := ble.NewDefaultScanner()
	if err != nil {
		return errors.Wrap(err, "failed to initialize BLE adapter")
	}

	opts := dfu.DefaultUpdateOptions()
	opts.SmartSpeedEnabled = !c.noSmartSpeed

	for _, kind := range kinds {
		initBytes, firmwareBytes, err := pkg.GetImage(kind)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s image from archive", kind)
		}

		device, err := scanner.ConnectAddress(c.address, c.timeout)
		if err != nil {
			return errors.Wrapf(err, "failed to connect to device to upload %s image", kind)
		}

		sink, finish := newProgressSink()
		session := dfu.NewSession(device, sink)

		err = session.Update(opts, initBytes, firmwareBytes)
		finish()
		if err != nil {
			return errors.Wrapf(err, "failed to upload %s image", kind)
		}
	}

	return nil
}
