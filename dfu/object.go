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
	"time"

	"github.com/pkg/errors"
)

const (
	defaultPacketSize = 20
	prnWaitTimeout    = 3 * time.Second
)

// objectEngine is the Object Transfer Engine (C6): for one object
// window it issues CREATE, streams the window through the packet
// characteristic with PRN pacing, verifies CHECKSUM, and issues
// EXECUTE (spec.md §4.6). Advancing to the next window is left to the
// Smart Speed Controller, which calls transferWindow once per window.
type objectEngine struct {
	control *controlDialog
	packet  Characteristic
	writer  *writeSerializer
	sink    *EventSink
	crc     CRC32Func
	delay   time.Duration
	state   *TransferState

	prnCh chan uint32
}

func newObjectEngine(control *controlDialog, packet Characteristic, writer *writeSerializer, sink *EventSink, crc CRC32Func, delay time.Duration, state *TransferState) *objectEngine {
	e := &objectEngine{
		control: control,
		packet:  packet,
		writer:  writer,
		sink:    sink,
		crc:     crc,
		delay:   delay,
		state:   state,
		prnCh:   make(chan uint32),
	}
	control.setPRNHandler(e.onPRN)
	return e
}

func (e *objectEngine) onPRN(offset uint32) {
	e.state.ValidatedBytes = int64(offset)
	e.sink.Progress(e.state.CurrentObjectKind.String(), e.state.TotalBytes, e.state.SentBytes, e.state.ValidatedBytes)
	select {
	case e.prnCh <- offset:
	default:
	}
}

func (e *objectEngine) waitForPRN(timeout time.Duration) bool {
	select {
	case <-e.prnCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *objectEngine) transferWindow(kind ImageKind, image []byte, start, end int) error {
	size := uint32(end - start)

	if _, err := e.control.send(newCreateRequest(kind, size)); err != nil {
		return errors.Wrap(err, "failed to create object")
	}

	e.state.PacketsSentSincePrn = 0
	if err := e.streamWindow(image[start:end]); err != nil {
		return errors.Wrap(err, "failed to write object")
	}

	payload, err := e.control.send(newChecksumRequest())
	if err != nil {
		return errors.Wrap(err, "failed to calculate checksum")
	}
	checksum, err := decodeChecksumResult(payload)
	if err != nil {
		return err
	}

	localCrc := e.crc(image[0:end])
	if checksum.Offset != uint32(end) || checksum.Crc != localCrc {
		return &CrcMismatchError{
			Offset:     uint32(end),
			SizeOffset: checksum.Offset,
			DeviceCrc:  checksum.Crc,
			LocalCrc:   localCrc,
		}
	}

	e.state.ValidatedBytes = int64(end)
	e.sink.Progress(e.state.CurrentObjectKind.String(), e.state.TotalBytes, e.state.SentBytes, e.state.ValidatedBytes)

	if _, err := e.control.send(newExecuteRequest()); err != nil {
		return errors.Wrap(err, "failed to execute object")
	}

	e.state.RetriesAtCurrentSpeed = 0
	return nil
}

func (e *objectEngine) streamWindow(window []byte) error {
	packetSize := e.state.Speed.PacketSize
	if packetSize <= 0 {
		packetSize = defaultPacketSize
	}

	for i := 0; i < len(window); i += packetSize {
		if e.state.Speed.PrnInterval > 0 && e.state.PacketsSentSincePrn >= e.state.Speed.PrnInterval {
			if e.waitForPRN(prnWaitTimeout) {
				e.state.PacketsSentSincePrn = 0
			} else {
				e.sink.Log("timed out waiting for PRN notification, proceeding without it")
			}
		}

		end := i + packetSize
		if end > len(window) {
			end = len(window)
		}
		chunk := window[i:end]

		if err := e.writer.submit(e.packet, chunk); err != nil {
			return err
		}

		e.state.PacketsSentSincePrn++
		e.state.SentBytes += int64(len(chunk))
		if e.delay > 0 {
			time.Sleep(e.delay)
		}
		e.sink.Progress(e.state.CurrentObjectKind.String(), e.state.TotalBytes, e.state.SentBytes, e.state.ValidatedBytes)
	}
	return nil
}
