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

package dfu

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestImage is one entry under manifest.manifest.<kind> in
// manifest.json (spec.md §6).
type manifestImage struct {
	BinFile string `json:"bin_file"`
	DatFile string `json:"dat_file"`
}

type manifestDocument struct {
	Manifest map[string]manifestImage `json:"manifest"`
}

const manifestSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["manifest"],
	"properties": {
		"manifest": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["bin_file", "dat_file"],
				"properties": {
					"bin_file": {"type": "string"},
					"dat_file": {"type": "string"}
				}
			}
		}
	}
}`

var (
	manifestSchema     *jsonschema.Schema
	manifestSchemaOnce sync.Once
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", bytes.NewReader([]byte(manifestSchemaJSON))); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile("manifest.schema.json")
	})
	return manifestSchema, manifestSchemaErr
}

// baseImageNames lists the base image kinds spec.md §6 names, in the priority
// order used to resolve the "base image" (softdevice, bootloader, or
// the softdevice+bootloader combination image — exactly one of these
// three may be present per spec.md §3).
var baseImageNames = []string{"softdevice", "bootloader", "softdevice_bootloader"}

const appImageName = "application"

// FirmwarePackage is a ZIP archive read once into memory: a manifest
// mapping image kind to (dat, bin) file names, plus the archive's file
// table for lazy byte access (spec.md §4.1).
type FirmwarePackage struct {
	manifest map[string]manifestImage
	files    map[string]*zip.File
}

// OpenPackage parses a firmware ZIP's manifest.json. It fails with
// *MalformedPackageError if manifest.json is absent, not valid JSON,
// fails schema validation, or lacks the "manifest" key.
func OpenPackage(data []byte) (*FirmwarePackage, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &MalformedPackageError{Reason: "not a valid zip archive: " + err.Error()}
	}

	files := make(map[string]*zip.File, len(zr.File))
	var manifestFile *zip.File
	for _, f := range zr.File {
		files[f.Name] = f
		if f.Name == "manifest.json" {
			manifestFile = f
		}
	}

	if manifestFile == nil {
		return nil, &MalformedPackageError{Reason: "manifest.json not found in archive"}
	}

	raw, err := readZipFile(manifestFile)
	if err != nil {
		return nil, &MalformedPackageError{Reason: "failed to read manifest.json: " + err.Error()}
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &MalformedPackageError{Reason: "manifest.json is not valid JSON: " + err.Error()}
	}

	schema, err := compiledManifestSchema()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile manifest schema")
	}
	if err := schema.Validate(generic); err != nil {
		return nil, &MalformedPackageError{Reason: "manifest.json: " + err.Error()}
	}

	var doc manifestDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &MalformedPackageError{Reason: "manifest.json: " + err.Error()}
	}
	if doc.Manifest == nil {
		return nil, &MalformedPackageError{Reason: "manifest.json lacks the \"manifest\" key"}
	}

	return &FirmwarePackage{manifest: doc.Manifest, files: files}, nil
}

// Manifest returns a deep copy of the parsed manifest so that external
// mutation can never affect a later GetImage call (spec.md §4.1).
func (p *FirmwarePackage) Manifest() map[string]manifestImage {
	out := make(map[string]manifestImage, len(p.manifest))
	for k, v := range p.manifest {
		out[k] = v
	}
	return out
}

// BaseImage returns the first present of {softdevice, bootloader,
// softdevice_bootloader}, or "" if none is present.
func (p *FirmwarePackage) BaseImage() string {
	for _, name := range baseImageNames {
		if _, ok := p.manifest[name]; ok {
			return name
		}
	}
	return ""
}

// AppImage returns "application" if present in the manifest, else "".
func (p *FirmwarePackage) AppImage() string {
	if _, ok := p.manifest[appImageName]; ok {
		return appImageName
	}
	return ""
}

// GetImage loads the init (.dat) and firmware (.bin) bytes for the
// named manifest entry, in that order.
func (p *FirmwarePackage) GetImage(kind string) (init []byte, firmware []byte, err error) {
	entry, ok := p.manifest[kind]
	if !ok {
		return nil, nil, &MalformedPackageError{Reason: "no such image kind in manifest: " + kind}
	}

	init, err = p.readNamed(entry.DatFile)
	if err != nil {
		return nil, nil, err
	}
	firmware, err = p.readNamed(entry.BinFile)
	if err != nil {
		return nil, nil, err
	}
	return init, firmware, nil
}

func (p *FirmwarePackage) readNamed(name string) ([]byte, error) {
	f, ok := p.files[name]
	if !ok {
		return nil, &MalformedPackageError{Reason: "file referenced by manifest not present in archive: " + name}
	}
	return readZipFile(f)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
