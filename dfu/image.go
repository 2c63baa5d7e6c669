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

import "github.com/pkg/errors"

// imageDriver (C7) runs SELECT for one image, decides whether to skip,
// restart, or resume, seeds TransferState, and delegates the rest to
// the Object Transfer Engine (spec.md §4.7).
type imageDriver struct {
	control      *controlDialog
	speed        *smartSpeedController
	state        *TransferState
	sink         *EventSink
	crc          CRC32Func
	forceRestart bool
}

func newImageDriver(control *controlDialog, speed *smartSpeedController, state *TransferState, sink *EventSink, crc CRC32Func, forceRestart bool) *imageDriver {
	return &imageDriver{
		control:      control,
		speed:        speed,
		state:        state,
		sink:         sink,
		crc:          crc,
		forceRestart: forceRestart,
	}
}

// run executes the full state machine for one image: Idle → Selecting →
// (Skip | Restart | Resume) → streaming via the Smart Speed Controller,
// which retries or degrades around individual windows of the Object
// Transfer Engine on its own.
func (d *imageDriver) run(kind ImageKind, image []byte) error {
	payload, err := d.control.send(newSelectRequest(kind))
	if err != nil {
		return errors.Wrap(err, "failed to select object")
	}
	sel, err := decodeSelectResult(payload)
	if err != nil {
		return err
	}

	offset := sel.Offset

	switch {
	case d.forceRestart && offset > 0:
		d.sink.Log("force-restart requested, re-uploading %s image from byte 0", kind)
		offset = 0
	case kind == Init && offset == uint32(len(image)) && sel.Crc == d.crc(image):
		d.sink.Log("init packet already available, skipping transfer")
		d.state.TotalBytes = int64(len(image))
		d.state.SentBytes = int64(len(image))
		d.state.ValidatedBytes = int64(len(image))
		d.state.CurrentObjectKind = kind
		d.sink.Progress(kind.String(), d.state.TotalBytes, d.state.SentBytes, d.state.ValidatedBytes)
		return nil
	case offset == 0:
		d.sink.Log("starting fresh transfer of %s image", kind)
	default:
		d.sink.Log("resuming %s transfer at offset %d", kind, offset)
	}

	d.state.TotalBytes = int64(len(image))
	d.state.SentBytes = int64(offset)
	d.state.ValidatedBytes = int64(offset)
	d.state.PacketsSentSincePrn = 0
	d.state.CurrentObjectKind = kind

	d.sink.Progress(kind.String(), d.state.TotalBytes, d.state.SentBytes, d.state.ValidatedBytes)

	start := alignToWindow(int(offset), sel.MaxSize)
	return d.speed.run(kind, image, start, sel.MaxSize)
}

// alignToWindow rounds offset down to the nearest maxObjectSize boundary
// so a resumed transfer lines up with the device's buffered pages
// (spec.md §4.6).
func alignToWindow(offset int, maxObjectSize uint32) int {
	if maxObjectSize == 0 {
		return offset
	}
	return offset - (offset % int(maxObjectSize))
}
