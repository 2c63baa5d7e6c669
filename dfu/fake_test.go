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
)

// fakeCharacteristic is a minimal in-memory GATT characteristic: writes
// are routed to a hook installed by the test's simulated peer, and
// notifications are delivered by calling the last handler installed via
// OnValueChanged, exactly as a real central's callback would fire.
type fakeCharacteristic struct {
	uuid string

	mu      sync.Mutex
	handler func(data []byte)
	write   func(data []byte) error
	startErr error
}

func (c *fakeCharacteristic) UUID() string { return c.uuid }

func (c *fakeCharacteristic) WriteValue(data []byte) error {
	return c.write(data)
}

func (c *fakeCharacteristic) StartNotifications() error {
	return c.startErr
}

func (c *fakeCharacteristic) OnValueChanged(handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *fakeCharacteristic) deliver(data []byte) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

type fakeService struct {
	chars []Characteristic
}

func (s *fakeService) GetCharacteristics() ([]Characteristic, error) {
	return s.chars, nil
}

// fakeDevice is the Device half of the simulated peer: connect/disconnect
// bookkeeping plus a single service lookup.
type fakeDevice struct {
	mu                 sync.Mutex
	connected          bool
	svc                *fakeService
	svcErr             error
	disconnectHandlers []func()
}

func newFakeDevice(svc *fakeService) *fakeDevice {
	return &fakeDevice{connected: true, svc: svc}
}

func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) Connect() error {
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Disconnect() error {
	d.mu.Lock()
	d.connected = false
	handlers := append([]func(){}, d.disconnectHandlers...)
	d.mu.Unlock()
	for _, h := range handlers {
		h()
	}
	return nil
}

func (d *fakeDevice) GetService(uuid string) (Service, error) {
	if d.svcErr != nil {
		return nil, d.svcErr
	}
	return d.svc, nil
}

func (d *fakeDevice) OnDisconnect(handler func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnectHandlers = append(d.disconnectHandlers, handler)
}

// fakeObjectState tracks one object kind's committed bytes (what a real
// bootloader would have written to flash) and the bytes received since
// the most recent CREATE but not yet EXECUTEd.
type fakeObjectState struct {
	persisted []byte
	buf       []byte
}

// fakeBootloader simulates the device side of the Secure DFU control and
// packet characteristics: it answers SELECT/CREATE/SET_PRN/CHECKSUM/
// EXECUTE the way a real nRF bootloader does, and supports fault
// injection (busy responses, checksum corruption, an MTU ceiling, an
// extended error on every CREATE) so the engine's retry and degrade paths can
// be exercised deterministically.
type fakeBootloader struct {
	mu            sync.Mutex
	maxObjectSize uint32
	crc           CRC32Func

	cmd      fakeObjectState
	data     fakeObjectState
	lastOpen objectType

	prnInterval        int
	packetsSinceNotify int

	controlBusyRemaining     map[controlOpcode]int
	checksumMismatchRemaining map[objectType]int
	extendedErrorOnCreate    *extendedError
	mtuLimit                 int

	createCount       map[objectType]int
	packetWritesTotal int

	controlChar *fakeCharacteristic
	packetChar  *fakeCharacteristic
}

func newFakeBootloader(maxObjectSize uint32) *fakeBootloader {
	f := &fakeBootloader{
		maxObjectSize:             maxObjectSize,
		crc:                       DefaultCRC32,
		controlBusyRemaining:      make(map[controlOpcode]int),
		checksumMismatchRemaining: make(map[objectType]int),
		createCount:               make(map[objectType]int),
		controlChar:               &fakeCharacteristic{uuid: ControlCharacteristicUUID},
		packetChar:                &fakeCharacteristic{uuid: PacketCharacteristicUUID},
	}
	f.controlChar.write = f.handleControlWrite
	f.packetChar.write = f.handlePacketWrite
	return f
}

func (f *fakeBootloader) service() *fakeService {
	return &fakeService{chars: []Characteristic{f.controlChar, f.packetChar}}
}

func (f *fakeBootloader) stateFor(ot objectType) *fakeObjectState {
	if ot == objectCommand {
		return &f.cmd
	}
	return &f.data
}

// seed pre-commits data as already-uploaded bytes for kind, as if a
// prior run had already transferred and EXECUTEd that prefix.
func (f *fakeBootloader) seed(ot objectType, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.stateFor(ot)
	st.persisted = append([]byte{}, data...)
}

func (f *fakeBootloader) handleControlWrite(req []byte) error {
	f.mu.Lock()

	opcode := controlOpcode(req[0])
	if n := f.controlBusyRemaining[opcode]; n > 0 {
		f.controlBusyRemaining[opcode] = n - 1
		f.mu.Unlock()
		return fmt.Errorf("characteristic write in progress")
	}

	var payload []byte
	result := resultSuccess
	var ext extendedError
	hasExt := false

	switch opcode {
	case opSelectObject:
		ot := objectType(req[1])
		st := f.stateFor(ot)
		payload = encodeSelectWire(f.maxObjectSize, uint32(len(st.persisted)), f.crc(st.persisted))

	case opCreateObject:
		ot := objectType(req[1])
		if f.extendedErrorOnCreate != nil {
			result = resultExtendedError
			ext = *f.extendedErrorOnCreate
			hasExt = true
		} else {
			st := f.stateFor(ot)
			st.buf = nil
			f.lastOpen = ot
			f.createCount[ot]++
			f.packetsSinceNotify = 0
		}

	case opSetPRN:
		f.prnInterval = int(binary.LittleEndian.Uint16(req[1:3]))
		f.packetsSinceNotify = 0

	case opCalculateChecksum:
		st := f.stateFor(f.lastOpen)
		full := append(append([]byte{}, st.persisted...), st.buf...)
		crc := f.crc(full)
		if n := f.checksumMismatchRemaining[f.lastOpen]; n > 0 {
			f.checksumMismatchRemaining[f.lastOpen] = n - 1
			crc++
		}
		payload = encodeChecksumWire(uint32(len(full)), crc)

	case opExecute:
		st := f.stateFor(f.lastOpen)
		st.persisted = append(st.persisted, st.buf...)
		st.buf = nil
	}

	controlChar := f.controlChar
	f.mu.Unlock()

	controlChar.deliver(buildResponseWire(opcode, result, ext, hasExt, payload))
	return nil
}

func (f *fakeBootloader) handlePacketWrite(chunk []byte) error {
	f.mu.Lock()
	if f.mtuLimit > 0 && len(chunk) > f.mtuLimit {
		f.mu.Unlock()
		return fmt.Errorf("characteristic write failed: longer than maximum length")
	}

	st := f.stateFor(f.lastOpen)
	st.buf = append(st.buf, chunk...)
	f.packetsSinceNotify++
	f.packetWritesTotal++

	notify := false
	var offset uint32
	if f.prnInterval > 0 && f.packetsSinceNotify >= f.prnInterval {
		f.packetsSinceNotify = 0
		notify = true
		offset = uint32(len(st.persisted) + len(st.buf))
	}
	controlChar := f.controlChar
	f.mu.Unlock()

	if notify {
		frame := make([]byte, 5)
		frame[0] = 0x03
		binary.LittleEndian.PutUint32(frame[1:5], offset)
		// Delivered from a goroutine with a short delay: a real central
		// receives PRN notifications asynchronously, well after its
		// write call returns, so the engine is already back inside
		// waitForPRN's select by the time this arrives.
		go func() {
			time.Sleep(5 * time.Millisecond)
			controlChar.deliver(frame)
		}()
	}
	return nil
}

func encodeSelectWire(maxSize, offset, crc uint32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], maxSize)
	binary.LittleEndian.PutUint32(b[4:8], offset)
	binary.LittleEndian.PutUint32(b[8:12], crc)
	return b
}

func encodeChecksumWire(offset, crc uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], offset)
	binary.LittleEndian.PutUint32(b[4:8], crc)
	return b
}

func buildResponseWire(opcode controlOpcode, result resultCode, ext extendedError, hasExt bool, payload []byte) []byte {
	wire := []byte{byte(opResponse), byte(opcode), byte(result)}
	if hasExt {
		wire = append(wire, byte(ext))
	} else {
		wire = append(wire, payload...)
	}
	return wire
}
