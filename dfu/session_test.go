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

func smallOpts() UpdateOptions {
	o := DefaultUpdateOptions()
	o.PacketSize = 20
	o.DisconnectTimeout = 200 * time.Millisecond
	return o
}

func TestSessionUpdateHappyPath(t *testing.T) {
	bl := newFakeBootloader(256)
	dev := newFakeDevice(bl.service())
	session := NewSession(dev, NewEventSink())

	init := []byte("init-packet-bytes")
	firmware := make([]byte, 300)
	for i := range firmware {
		firmware[i] = byte(i)
	}

	require.NoError(t, session.Update(smallOpts(), init, firmware))
	assert.Equal(t, init, bl.cmd.persisted)
	assert.Equal(t, firmware, bl.data.persisted)
	assert.False(t, dev.IsConnected(), "session must disconnect once both images are uploaded")
}

func TestSessionUpdateSkipsAlreadyUploadedInit(t *testing.T) {
	bl := newFakeBootloader(256)
	init := []byte("already-there")
	bl.seed(objectCommand, init)
	dev := newFakeDevice(bl.service())
	session := NewSession(dev, NewEventSink())

	firmware := []byte("firmware-bytes")
	require.NoError(t, session.Update(smallOpts(), init, firmware))
	assert.Equal(t, 0, bl.createCount[objectCommand])
	assert.Equal(t, firmware, bl.data.persisted)
}

func TestSessionUpdateRetriesTransientBusyWrites(t *testing.T) {
	bl := newFakeBootloader(256)
	bl.controlBusyRemaining[opSelectObject] = 2
	dev := newFakeDevice(bl.service())
	session := NewSession(dev, NewEventSink())

	init := []byte("init")
	firmware := []byte("firmware")
	require.NoError(t, session.Update(smallOpts(), init, firmware))
	assert.Equal(t, init, bl.cmd.persisted)
	assert.Equal(t, firmware, bl.data.persisted)
}

func TestSessionUpdateMTUViolationIsNotRetried(t *testing.T) {
	bl := newFakeBootloader(256)
	bl.mtuLimit = 10
	dev := newFakeDevice(bl.service())
	session := NewSession(dev, NewEventSink())

	opts := smallOpts()
	opts.PacketSize = 20 // exceeds mtuLimit on every attempt
	opts.SmartSpeedEnabled = false

	err := session.Update(opts, []byte("init"), []byte("a firmware image longer than the mtu limit"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "longer than maximum length")
}

func TestSessionUpdateDeviceErrorSurfaces(t *testing.T) {
	bl := newFakeBootloader(256)
	ext := extFirmwareVersionFailure
	bl.extendedErrorOnCreate = &ext
	dev := newFakeDevice(bl.service())
	session := NewSession(dev, NewEventSink())

	opts := smallOpts()
	opts.SmartSpeedEnabled = false

	err := session.Update(opts, []byte("init"), []byte("firmware"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Firmware version failure")
}

func TestSessionUpdateDegradesPacketSizeOnPersistentCrcMismatch(t *testing.T) {
	bl := newFakeBootloader(256)
	bl.checksumMismatchRemaining[objectData] = maxRetriesAtCurrentSpeed + 1
	dev := newFakeDevice(bl.service())
	session := NewSession(dev, NewEventSink())

	opts := smallOpts()
	opts.PacketSize = 100

	firmware := []byte("firmware-image-long-enough-to-exercise-the-degrade-ladder")
	require.NoError(t, session.Update(opts, []byte("init"), firmware))
	assert.Equal(t, firmware, bl.data.persisted)
}

func TestSessionUpdateMissingCharacteristics(t *testing.T) {
	dev := newFakeDevice(&fakeService{})
	session := NewSession(dev, NewEventSink())

	err := session.Update(smallOpts(), []byte("init"), []byte("firmware"))
	require.Error(t, err)
	var missing *MissingCharacteristicsError
	assert.ErrorAs(t, err, &missing)
}

func TestEnterBootloaderModePrefersBondedCharacteristic(t *testing.T) {
	var seen []byte
	bonded := &fakeCharacteristic{uuid: ButtonlessBondedUUID, write: func(data []byte) error {
		seen = data
		return nil
	}}
	unbonded := &fakeCharacteristic{uuid: ButtonlessUUID, write: func(data []byte) error {
		t.Fatal("unbonded buttonless characteristic must not be used when the bonded one is present")
		return nil
	}}
	dev := newFakeDevice(&fakeService{chars: []Characteristic{unbonded, bonded}})

	go func() {
		time.Sleep(10 * time.Millisecond)
		bonded.deliver(buildResponseWire(opButtonCommand, resultSuccess, 0, false, nil))
	}()

	require.NoError(t, EnterBootloaderMode(dev, NewEventSink()))
	assert.Equal(t, []byte{0x01}, seen)
}

func TestEnterBootloaderModeFallsBackToUnbonded(t *testing.T) {
	unbonded := &fakeCharacteristic{uuid: ButtonlessUUID}
	unbonded.write = func(data []byte) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			unbonded.deliver(buildResponseWire(opButtonCommand, resultSuccess, 0, false, nil))
		}()
		return nil
	}
	dev := newFakeDevice(&fakeService{chars: []Characteristic{unbonded}})

	require.NoError(t, EnterBootloaderMode(dev, NewEventSink()))
}

func TestEnterBootloaderModeTreatsDisconnectAsCompletion(t *testing.T) {
	bonded := &fakeCharacteristic{uuid: ButtonlessBondedUUID}
	dev := newFakeDevice(&fakeService{chars: []Characteristic{bonded}})

	// The peer never acks the command with a 0x60 response — it just
	// reboots and drops the link, the way a real bootloader switch does.
	bonded.write = func(data []byte) error {
		go func() {
			time.Sleep(10 * time.Millisecond)
			dev.Disconnect()
		}()
		return nil
	}

	require.NoError(t, EnterBootloaderMode(dev, NewEventSink()))
}

func TestEnterBootloaderModeUnsupportedDevice(t *testing.T) {
	dev := newFakeDevice(&fakeService{})
	err := EnterBootloaderMode(dev, NewEventSink())
	require.Error(t, err)
	var unsupported *UnsupportedDeviceError
	assert.ErrorAs(t, err, &unsupported)
}
