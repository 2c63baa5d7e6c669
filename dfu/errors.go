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

import "fmt"

// MalformedPackageError means manifest.json was missing, not valid JSON,
// failed schema validation, or referenced a file absent from the archive.
type MalformedPackageError struct {
	Reason string
}

func (e *MalformedPackageError) Error() string {
	return fmt.Sprintf("malformed firmware package: %s", e.Reason)
}

// MissingCharacteristicsError means the DFU service was found but the
// Control or Packet characteristic was not.
type MissingCharacteristicsError struct {
	Reason string
}

func (e *MissingCharacteristicsError) Error() string {
	return fmt.Sprintf("missing DFU characteristics: %s", e.Reason)
}

// UnsupportedDeviceError means neither DFU-mode characteristics nor a
// buttonless characteristic were present on the connected peripheral.
type UnsupportedDeviceError struct {
	Reason string
}

func (e *UnsupportedDeviceError) Error() string {
	return fmt.Sprintf("unsupported device: %s", e.Reason)
}

// DisconnectedError means the peer dropped the link while control or
// packet operations were still pending.
type DisconnectedError struct{}

func (e *DisconnectedError) Error() string {
	return "device disconnected"
}

// TransportBusyError means the write serializer (C4) exhausted its
// bounded retry budget against a transport reporting "in progress".
type TransportBusyError struct {
	Attempts int
}

func (e *TransportBusyError) Error() string {
	return fmt.Sprintf("transport busy after %d attempts", e.Attempts)
}

// ProtocolViolationError means a control notification did not match any
// recognised framing (neither a PRN notification nor a 0x60 response).
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// DfuError wraps a non-success result code from a control response,
// including the extended-error byte when result is extendedError.
type DfuError struct {
	Opcode   controlOpcode
	Result   resultCode
	Extended extendedError
	HasExt   bool
}

func (e *DfuError) Error() string {
	if e.HasExt {
		return fmt.Sprintf("Error 0x%02x: %s", byte(e.Extended), extendedErrorDescription(e.Extended))
	}
	return fmt.Sprintf("Error 0x%02x: %s", byte(e.Result), resultDescription(e.Result))
}

// CrcMismatchError means the device's CRC-32 over the image prefix did
// not match the locally computed CRC-32 at a window boundary.
type CrcMismatchError struct {
	Offset     uint32
	DeviceCrc  uint32
	LocalCrc   uint32
	SizeOffset uint32
}

func (e *CrcMismatchError) Error() string {
	if e.SizeOffset != e.Offset {
		return fmt.Sprintf("size mismatch at offset %d: device reports %d", e.Offset, e.SizeOffset)
	}
	return fmt.Sprintf("CRC mismatch at offset %d: device=%#08x local=%#08x", e.Offset, e.DeviceCrc, e.LocalCrc)
}
