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
	"fmt"
	"io/ioutil"

	"github.com/godfu/nrf-securedfu/dfu"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// packageCommand implements the "package" subcommand: it validates and
// prints a firmware archive's manifest without ever touching a device,
// useful for CI checks on build artifacts before they are shipped to a
// device over BLE.
type packageCommand struct {
	*baseCommand

	firmwareFilename string
}

func newPackageCommand() *packageCommand {
	c := &packageCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "package",
		Short: "Inspect a firmware archive's manifest",
		Example: `nrf-securedfu package --firmware FW.zip`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPackage()
		},
	})

	c.cmd.Flags().StringVarP(&c.firmwareFilename, "firmware", "f", "", "Filename of the firmware archive")

	return c
}

func (c *packageCommand) runPackage() error {
	if c.firmwareFilename == "" {
		return errors.New("no firmware filename specified. Use --firmware to specify firmware archive filename")
	}

	raw, err := ioutil.ReadFile(c.firmwareFilename)
	if err != nil {
		return errors.Wrap(err, "failed to read firmware archive")
	}

	pkg, err := dfu.OpenPackage(raw)
	if err != nil {
		return errors.Wrap(err, "failed to open firmware archive")
	}

	manifest := pkg.Manifest()
	if len(manifest) == 0 {
		fmt.Println("manifest is empty")
		return nil
	}

	for kind, image := range manifest {
		fmt.Printf("%-20s init=%-20s firmware=%s\n", kind, image.DatFile, image.BinFile)
	}

	if base := pkg.BaseImage(); base != "" {
		fmt.Printf("base image: %s\n", base)
	}
	if app := pkg.AppImage(); app != "" {
		fmt.Printf("application image: %s\n", app)
	}

	return nil
}
