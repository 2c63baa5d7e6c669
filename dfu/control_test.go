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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlRequestEncoding(t *testing.T) {
	assert.Equal(t, controlRequest{opcode: opSelectObject, wire: []byte{0x06, 0x01}}, newSelectRequest(Init))
	assert.Equal(t, controlRequest{opcode: opSelectObject, wire: []byte{0x06, 0x02}}, newSelectRequest(Firmware))
	assert.Equal(t, controlRequest{opcode: opCreateObject, wire: []byte{0x01, 0x02, 0x00, 0x01, 0x00, 0x00}}, newCreateRequest(Firmware, 256))
	assert.Equal(t, controlRequest{opcode: opSetPRN, wire: []byte{0x02, 0x0c, 0x00}}, newSetPRNRequest(12))
	assert.Equal(t, controlRequest{opcode: opCalculateChecksum, wire: []byte{0x03}}, newChecksumRequest())
	assert.Equal(t, controlRequest{opcode: opExecute, wire: []byte{0x04}}, newExecuteRequest())
	assert.Equal(t, controlRequest{opcode: opButtonCommand, wire: []byte{0x01}}, newButtonCommandRequest())
}

func TestDecodeSelectResult(t *testing.T) {
	payload := encodeSelectWire(4096, 128, 0xdeadbeef)
	sel, err := decodeSelectResult(payload)
	require.NoError(t, err)
	assert.Equal(t, SelectResult{MaxSize: 4096, Offset: 128, Crc: 0xdeadbeef}, sel)

	_, err = decodeSelectResult(payload[:4])
	assert.Error(t, err)
}

func TestDecodeChecksumResult(t *testing.T) {
	payload := encodeChecksumWire(64, 0xcafef00d)
	sum, err := decodeChecksumResult(payload)
	require.NoError(t, err)
	assert.Equal(t, ChecksumResult{Offset: 64, Crc: 0xcafef00d}, sum)

	_, err = decodeChecksumResult(payload[:2])
	assert.Error(t, err)
}

func TestResultDescription(t *testing.T) {
	assert.Equal(t, "out of memory", resultDescription(resultInsufficientResources))
	assert.Equal(t, "wrong state", resultDescription(resultOperationNotPermitted))
	assert.Contains(t, resultDescription(resultCode(0x55)), "unknown result")
}

func TestExtendedErrorDescription(t *testing.T) {
	assert.Equal(t, "Firmware version failure", extendedErrorDescription(extFirmwareVersionFailure))
	assert.Equal(t, "CRC mismatch", extendedErrorDescription(extCrcMismatch))
	assert.Contains(t, extendedErrorDescription(extendedError(0x55)), "unknown extended error")
}

func TestControlDialogSendResolve(t *testing.T) {
	char := &fakeCharacteristic{uuid: ControlCharacteristicUUID}
	char.write = func(data []byte) error {
		char.deliver(buildResponseWire(controlOpcode(data[0]), resultSuccess, 0, false, encodeChecksumWire(10, 42)))
		return nil
	}

	dialog := newControlDialog(char, newWriteSerializer(), NewEventSink(), 0)
	payload, err := dialog.send(newChecksumRequest())
	require.NoError(t, err)
	sum, err := decodeChecksumResult(payload)
	require.NoError(t, err)
	assert.Equal(t, ChecksumResult{Offset: 10, Crc: 42}, sum)
}

func TestControlDialogExtendedErrorSurfaces(t *testing.T) {
	char := &fakeCharacteristic{uuid: ControlCharacteristicUUID}
	char.write = func(data []byte) error {
		ext := extFirmwareVersionFailure
		char.deliver(buildResponseWire(controlOpcode(data[0]), resultExtendedError, ext, true, nil))
		return nil
	}

	dialog := newControlDialog(char, newWriteSerializer(), NewEventSink(), 0)
	_, err := dialog.send(newCreateRequest(Firmware, 10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Firmware version failure")

	var dfuErr *DfuError
	require.ErrorAs(t, err, &dfuErr)
	assert.True(t, dfuErr.HasExt)
	assert.Equal(t, extFirmwareVersionFailure, dfuErr.Extended)
}

func TestControlDialogRejectsDuplicatePendingOpcode(t *testing.T) {
	char := &fakeCharacteristic{uuid: ControlCharacteristicUUID}
	blocked := make(chan struct{})
	char.write = func(data []byte) error {
		<-blocked // the first send's waiter stays pending until the test unblocks it
		char.deliver(buildResponseWire(controlOpcode(data[0]), resultSuccess, 0, false, encodeChecksumWire(0, 0)))
		return nil
	}

	dialog := newControlDialog(char, newWriteSerializer(), NewEventSink(), 0)
	go dialog.send(newChecksumRequest())
	time.Sleep(10 * time.Millisecond)

	_, err := dialog.send(newChecksumRequest())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already pending")
	close(blocked)
}

func TestControlDialogFailAllOnDisconnect(t *testing.T) {
	char := &fakeCharacteristic{uuid: ControlCharacteristicUUID}
	char.write = func(data []byte) error { return nil } // never responds

	dialog := newControlDialog(char, newWriteSerializer(), NewEventSink(), 0)

	result := make(chan error, 1)
	go func() {
		_, err := dialog.send(newChecksumRequest())
		result <- err
	}()
	time.Sleep(10 * time.Millisecond)

	dialog.failAll(&DisconnectedError{})

	select {
	case err := <-result:
		require.Error(t, err)
		var discErr *DisconnectedError
		assert.ErrorAs(t, err, &discErr)
	case <-time.After(time.Second):
		t.Fatal("send did not unblock after failAll")
	}
}

func TestControlDialogProtocolViolation(t *testing.T) {
	char := &fakeCharacteristic{uuid: ControlCharacteristicUUID}
	char.write = func(data []byte) error { return nil }

	var logged []string
	sink := NewEventSink()
	sink.On("log", func(payload interface{}) {
		if ev, ok := payload.(LogEvent); ok {
			logged = append(logged, ev.Message)
		}
	})

	dialog := newControlDialog(char, newWriteSerializer(), sink, 0)

	result := make(chan error, 1)
	go func() {
		_, err := dialog.send(newChecksumRequest())
		result <- err
	}()
	time.Sleep(10 * time.Millisecond)

	char.deliver([]byte{0xff})

	select {
	case err := <-result:
		var protoErr *ProtocolViolationError
		require.ErrorAs(t, err, &protoErr)
	case <-time.After(time.Second):
		t.Fatal("send did not unblock after protocol violation")
	}
	assert.NotEmpty(t, logged)
}
