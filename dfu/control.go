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
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// controlOpcode is the closed set of request/response opcodes the
// Secure DFU control protocol recognises (spec.md §6, §9 design note:
// modeled as a tagged variant rather than stringly-typed dispatch).
type controlOpcode byte

const (
	opCreateObject      controlOpcode = 0x01
	opSetPRN            controlOpcode = 0x02
	opCalculateChecksum controlOpcode = 0x03
	opExecute           controlOpcode = 0x04
	opSelectObject      controlOpcode = 0x06
	opResponse          controlOpcode = 0x60
	opButtonCommand     controlOpcode = 0x01 // buttonless characteristic, distinct waiter space
)

// objectType is the SELECT/CREATE sub-opcode distinguishing the init
// packet ("command") from the firmware image ("data").
type objectType byte

const (
	objectCommand objectType = 0x01
	objectData    objectType = 0x02
)

// resultCode is the third byte of a 0x60 response.
type resultCode byte

const (
	resultInvalidCode           resultCode = 0x00
	resultSuccess               resultCode = 0x01
	resultOpcodeNotSupported    resultCode = 0x02
	resultInvalidParameter      resultCode = 0x03
	resultInsufficientResources resultCode = 0x04
	resultInvalidObject         resultCode = 0x05
	resultUnsupportedType       resultCode = 0x07
	resultOperationNotPermitted resultCode = 0x08
	resultOperationFailed       resultCode = 0x0A
	resultExtendedError         resultCode = 0x0B
)

func resultDescription(r resultCode) string {
	switch r {
	case resultInvalidCode:
		return "invalid opcode"
	case resultOpcodeNotSupported:
		return "opcode not supported"
	case resultInvalidParameter:
		return "invalid parameter"
	case resultInsufficientResources:
		return "out of memory"
	case resultInvalidObject:
		return "invalid object"
	case resultUnsupportedType:
		return "invalid type"
	case resultOperationNotPermitted:
		return "wrong state"
	case resultOperationFailed:
		return "operation failed"
	case resultExtendedError:
		return "extended error"
	default:
		return fmt.Sprintf("unknown result 0x%02x", byte(r))
	}
}

// extendedError is the byte following a resultExtendedError result.
type extendedError byte

const (
	extNoError                extendedError = 0x00
	extInvalidErrorCode        extendedError = 0x01
	extWrongCommandFormat      extendedError = 0x02
	extUnknownCommand          extendedError = 0x03
	extInitCommandInvalid      extendedError = 0x04
	extFirmwareVersionFailure  extendedError = 0x05
	extHardwareVersionFailure  extendedError = 0x06
	extSoftdeviceVersionFailed extendedError = 0x07
	extSignatureMissing        extendedError = 0x08
	extWrongHashType           extendedError = 0x09
	extHashFailed              extendedError = 0x0A
	extWrongSignatureType      extendedError = 0x0B
	extCrcMismatch             extendedError = 0x0C
	extInsufficientSpace       extendedError = 0x0D
)

func extendedErrorDescription(e extendedError) string {
	switch e {
	case extNoError:
		return "no error"
	case extInvalidErrorCode:
		return "invalid error code"
	case extWrongCommandFormat:
		return "wrong command format"
	case extUnknownCommand:
		return "unknown command"
	case extInitCommandInvalid:
		return "init command invalid"
	case extFirmwareVersionFailure:
		return "Firmware version failure"
	case extHardwareVersionFailure:
		return "hardware version failure"
	case extSoftdeviceVersionFailed:
		return "softdevice version failure"
	case extSignatureMissing:
		return "signature missing"
	case extWrongHashType:
		return "wrong hash type"
	case extHashFailed:
		return "hash failed"
	case extWrongSignatureType:
		return "wrong signature type"
	case extCrcMismatch:
		return "CRC mismatch"
	case extInsufficientSpace:
		return "insufficient space"
	default:
		return fmt.Sprintf("unknown extended error 0x%02x", byte(e))
	}
}

// controlRequest is a fully framed outgoing control write: the opcode
// (and any sub-opcode) followed by its little-endian parameter block.
type controlRequest struct {
	opcode controlOpcode
	wire   []byte
}

func newSelectRequest(kind ImageKind) controlRequest {
	return controlRequest{opcode: opSelectObject, wire: []byte{byte(opSelectObject), byte(kind.objectType())}}
}

func newCreateRequest(kind ImageKind, size uint32) controlRequest {
	wire := make([]byte, 6)
	wire[0] = byte(opCreateObject)
	wire[1] = byte(kind.objectType())
	binary.LittleEndian.PutUint32(wire[2:], size)
	return controlRequest{opcode: opCreateObject, wire: wire}
}

func newSetPRNRequest(interval int) controlRequest {
	wire := make([]byte, 3)
	wire[0] = byte(opSetPRN)
	binary.LittleEndian.PutUint16(wire[1:], uint16(interval))
	return controlRequest{opcode: opSetPRN, wire: wire}
}

func newChecksumRequest() controlRequest {
	return controlRequest{opcode: opCalculateChecksum, wire: []byte{byte(opCalculateChecksum)}}
}

func newExecuteRequest() controlRequest {
	return controlRequest{opcode: opExecute, wire: []byte{byte(opExecute)}}
}

func newButtonCommandRequest() controlRequest {
	return controlRequest{opcode: opButtonCommand, wire: []byte{byte(opButtonCommand)}}
}

// SelectResult is the decoded payload of a successful SELECT response.
type SelectResult struct {
	MaxSize uint32
	Offset  uint32
	Crc     uint32
}

func decodeSelectResult(payload []byte) (SelectResult, error) {
	if len(payload) < 12 {
		return SelectResult{}, errors.Errorf("short SELECT response: %d bytes", len(payload))
	}
	return SelectResult{
		MaxSize: binary.LittleEndian.Uint32(payload[0:4]),
		Offset:  binary.LittleEndian.Uint32(payload[4:8]),
		Crc:     binary.LittleEndian.Uint32(payload[8:12]),
	}, nil
}

// ChecksumResult is the decoded payload of a successful CHECKSUM response.
type ChecksumResult struct {
	Offset uint32
	Crc    uint32
}

func decodeChecksumResult(payload []byte) (ChecksumResult, error) {
	if len(payload) < 8 {
		return ChecksumResult{}, errors.Errorf("short CHECKSUM response: %d bytes", len(payload))
	}
	return ChecksumResult{
		Offset: binary.LittleEndian.Uint32(payload[0:4]),
		Crc:    binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

type controlResult struct {
	payload []byte
	err     error
}

// controlDialog (C5) sends control opcodes and correlates each to the
// next notification bearing a matching response opcode. It is attached
// to exactly one characteristic at a time — the engine uses one
// instance for the Control characteristic and, during a buttonless
// switch, a second instance for the buttonless characteristic.
type controlDialog struct {
	char      Characteristic
	writer    *writeSerializer
	sink      *EventSink
	postDelay time.Duration

	mu      sync.Mutex
	pending map[byte]chan controlResult

	prnHandler func(offset uint32)
}

func newControlDialog(char Characteristic, writer *writeSerializer, sink *EventSink, postDelay time.Duration) *controlDialog {
	d := &controlDialog{
		char:      char,
		writer:    writer,
		sink:      sink,
		postDelay: postDelay,
		pending:   make(map[byte]chan controlResult),
	}
	char.OnValueChanged(d.handleNotification)
	return d
}

// setPRNHandler installs the callback invoked whenever a PRN-style
// notification (first byte 0x03, no 0x60 response wrapper) arrives.
func (d *controlDialog) setPRNHandler(fn func(offset uint32)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prnHandler = fn
}

// send submits req and blocks for the matching response notification,
// applying the configured post-response settle delay on success.
func (d *controlDialog) send(req controlRequest) ([]byte, error) {
	key := byte(req.opcode)

	d.mu.Lock()
	if _, exists := d.pending[key]; exists {
		d.mu.Unlock()
		return nil, errors.Errorf("a request for opcode 0x%02x is already pending", key)
	}
	ch := make(chan controlResult, 1)
	d.pending[key] = ch
	d.mu.Unlock()

	if err := d.writer.submit(d.char, req.wire); err != nil {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		return nil, err
	}

	res := <-ch
	if res.err == nil && d.postDelay > 0 {
		time.Sleep(d.postDelay)
	}
	return res.payload, res.err
}

// failAll rejects every currently pending waiter with err — used on
// disconnect (spec.md §4.5, §7).
func (d *controlDialog) failAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[byte]chan controlResult)
	d.mu.Unlock()

	for _, ch := range pending {
		ch <- controlResult{err: err}
	}
}

func (d *controlDialog) resolve(key byte, payload []byte) {
	d.mu.Lock()
	ch, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		ch <- controlResult{payload: payload}
	}
}

func (d *controlDialog) reject(key byte, err error) {
	d.mu.Lock()
	ch, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		ch <- controlResult{err: err}
	}
}

func (d *controlDialog) handleNotification(data []byte) {
	if len(data) == 0 {
		return
	}

	if data[0] == 0x03 {
		if len(data) < 5 {
			return
		}
		offset := binary.LittleEndian.Uint32(data[1:5])
		d.mu.Lock()
		fn := d.prnHandler
		d.mu.Unlock()
		if fn != nil {
			fn(offset)
		}
		return
	}

	if data[0] == byte(opResponse) {
		if len(data) < 3 {
			d.protocolViolation("truncated control response")
			return
		}
		opcode := data[1]
		result := resultCode(data[2])

		if result == resultSuccess {
			d.resolve(opcode, data[3:])
			return
		}

		var derr error
		if result == resultExtendedError && len(data) >= 4 {
			derr = &DfuError{Opcode: controlOpcode(opcode), Result: result, Extended: extendedError(data[3]), HasExt: true}
		} else {
			derr = &DfuError{Opcode: controlOpcode(opcode), Result: result}
		}
		d.reject(opcode, derr)
		return
	}

	d.protocolViolation("unrecognised control response")
}

func (d *controlDialog) protocolViolation(reason string) {
	err := &ProtocolViolationError{Reason: reason}
	if d.sink != nil {
		d.sink.Log("protocol violation: %s", reason)
	}
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[byte]chan controlResult)
	d.mu.Unlock()
	for _, ch := range pending {
		ch <- controlResult{err: err}
	}
}
