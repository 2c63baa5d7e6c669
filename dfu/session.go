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
	"hash/crc32"
	"time"

	"github.com/pkg/errors"
)

// DefaultCRC32 is the injectable CRC32Func used when UpdateOptions does
// not override it: the IEEE 802.3 polynomial, as required by the Secure
// DFU wire format (spec.md §6).
func DefaultCRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// UpdateOptions configures one Update call. DefaultUpdateOptions
// returns the conservative starting point. Update itself fills in only
// CRC32, PacketSize and DisconnectTimeout when they are zero; every
// other field is used exactly as given.
type UpdateOptions struct {
	CRC32             CRC32Func
	SmartSpeedEnabled bool
	DegradePolicy     DegradeFunc
	ForceRestart      bool
	PacketSize        int
	PrnInterval       int
	WriteDelay        time.Duration
	PostResponseDelay time.Duration
	DisconnectTimeout time.Duration
}

// DefaultUpdateOptions returns the options the CLI's dfu command starts
// from: Smart Speed enabled, PRNs off (only the degrade ladder turns
// them on), no artificial inter-packet delay, and a five second wait for
// the link to drop after the final disconnect request.
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{
		CRC32:             DefaultCRC32,
		SmartSpeedEnabled: true,
		PacketSize:        defaultPacketSize,
		PrnInterval:       0,
		DisconnectTimeout: 5 * time.Second,
	}
}

func (o UpdateOptions) withDefaults() UpdateOptions {
	if o.CRC32 == nil {
		o.CRC32 = DefaultCRC32
	}
	if o.PacketSize <= 0 {
		o.PacketSize = defaultPacketSize
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = 5 * time.Second
	}
	return o
}

// Session is the Session Orchestrator (C9): it owns one Device for the
// lifetime of an update, discovers the DFU characteristics, wires the
// rest of the engine together, and runs the init image followed by the
// firmware image (spec.md §4.9).
type Session struct {
	device Device
	sink   *EventSink

	disconnectOnce func()
	dialogs        []*controlDialog
	writer         *writeSerializer
}

// NewSession wraps an already-discovered Device. The caller is
// responsible for resolving device from a scan (spec.md §7's
// "request device" step sits outside this package, in the host's
// Transport Adapter).
func NewSession(device Device, sink *EventSink) *Session {
	if sink == nil {
		sink = NewEventSink()
	}
	return &Session{device: device, sink: sink}
}

// Events returns the session's EventSink for host subscription.
func (s *Session) Events() *EventSink {
	return s.sink
}

// Update connects (if necessary), uploads init then firmware, and
// disconnects. Any error aborts the remaining steps; the device is
// still given a best-effort disconnect attempt on the way out.
func (s *Session) Update(opts UpdateOptions, initBytes, firmwareBytes []byte) error {
	opts = opts.withDefaults()

	if !s.device.IsConnected() {
		if err := s.device.Connect(); err != nil {
			return errors.Wrap(err, "failed to connect")
		}
	}

	disconnected := make(chan struct{})
	s.device.OnDisconnect(func() {
		s.failPending(&DisconnectedError{})
		close(disconnected)
	})

	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		if err := s.device.Disconnect(); err != nil {
			s.sink.Log("disconnect after failed update failed: %v", err)
		}
	}()

	control, packet, err := s.discoverCharacteristics()
	if err != nil {
		return err
	}

	if err := control.StartNotifications(); err != nil {
		return errors.Wrap(err, "failed to enable control notifications")
	}
	if err := packet.StartNotifications(); err != nil {
		s.sink.Log("packet characteristic does not support notifications, continuing without them")
	}

	s.writer = newWriteSerializer()
	dialog := newControlDialog(control, s.writer, s.sink, opts.PostResponseDelay)
	s.dialogs = append(s.dialogs, dialog)

	if opts.PrnInterval > 0 {
		if _, err := dialog.send(newSetPRNRequest(opts.PrnInterval)); err != nil {
			return errors.Wrap(err, "failed to set packet receipt notification interval")
		}
	}

	if err := s.runImage(dialog, packet, opts, Init, initBytes); err != nil {
		return err
	}

	time.Sleep(500 * time.Millisecond)

	if err := s.runImage(dialog, packet, opts, Firmware, firmwareBytes); err != nil {
		return err
	}

	succeeded = true
	return s.disconnect(disconnected, opts.DisconnectTimeout)
}

func (s *Session) runImage(dialog *controlDialog, packet Characteristic, opts UpdateOptions, kind ImageKind, image []byte) error {
	if len(image) == 0 {
		return nil
	}

	state := &TransferState{
		Speed: SpeedParams{PacketSize: opts.PacketSize, PrnInterval: opts.PrnInterval},
	}
	engine := newObjectEngine(dialog, packet, s.writer, s.sink, opts.CRC32, opts.WriteDelay, state)
	speed := newSmartSpeedController(opts.SmartSpeedEnabled, engine, dialog, s.writer, s.sink, state, opts.DegradePolicy)
	driver := newImageDriver(dialog, speed, state, s.sink, opts.CRC32, opts.ForceRestart)

	return driver.run(kind, image)
}

func (s *Session) discoverCharacteristics() (control, packet Characteristic, err error) {
	svc, err := s.device.GetService(ServiceUUID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "DFU service not found")
	}
	chars, err := svc.GetCharacteristics()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to enumerate DFU characteristics")
	}

	for _, c := range chars {
		switch c.UUID() {
		case ControlCharacteristicUUID:
			control = c
		case PacketCharacteristicUUID:
			packet = c
		}
	}

	switch {
	case control == nil && packet == nil:
		return nil, nil, &MissingCharacteristicsError{Reason: "neither control nor packet characteristic present"}
	case control == nil:
		return nil, nil, &MissingCharacteristicsError{Reason: "control characteristic not present"}
	case packet == nil:
		return nil, nil, &MissingCharacteristicsError{Reason: "packet characteristic not present"}
	}
	return control, packet, nil
}

func (s *Session) failPending(err error) {
	for _, d := range s.dialogs {
		d.failAll(err)
	}
}

func (s *Session) disconnect(disconnected chan struct{}, timeout time.Duration) error {
	if err := s.device.Disconnect(); err != nil {
		s.sink.Log("disconnect request failed, waiting for the link to drop anyway: %v", err)
	}
	select {
	case <-disconnected:
	case <-time.After(timeout):
		s.sink.Log("device did not confirm disconnect within %s", timeout)
	}
	return nil
}

// EnterBootloaderMode switches an application-mode peripheral into the
// DFU bootloader by writing the button command to whichever buttonless
// characteristic is present, preferring the bonded variant so an
// already-bonded central is not asked to re-pair (spec.md §7). The
// device is expected to disconnect and reboot on its own; the caller is
// responsible for re-scanning and opening a new Session against the
// bootloader advertisement that follows. A device without a buttonless
// characteristic that already exposes the Control and Packet
// characteristics is in DFU mode already; it is left as it is and nil
// is returned.
func EnterBootloaderMode(device Device, sink *EventSink) error {
	if sink == nil {
		sink = NewEventSink()
	}
	if !device.IsConnected() {
		if err := device.Connect(); err != nil {
			return errors.Wrap(err, "failed to connect")
		}
	}

	svc, err := device.GetService(ServiceUUID)
	if err != nil {
		return errors.Wrap(err, "DFU service not found")
	}
	chars, err := svc.GetCharacteristics()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate DFU characteristics")
	}

	var buttonless Characteristic
	for _, uuid := range []string{ButtonlessBondedUUID, ButtonlessUUID} {
		for _, c := range chars {
			if c.UUID() == uuid {
				buttonless = c
				break
			}
		}
		if buttonless != nil {
			break
		}
	}
	if buttonless == nil {
		hasControl, hasPacket := false, false
		for _, c := range chars {
			switch c.UUID() {
			case ControlCharacteristicUUID:
				hasControl = true
			case PacketCharacteristicUUID:
				hasPacket = true
			}
		}
		if hasControl && hasPacket {
			sink.Log("device is already in DFU mode")
			return nil
		}
		return &UnsupportedDeviceError{Reason: "neither a buttonless nor the DFU-mode characteristics are present"}
	}

	if err := buttonless.StartNotifications(); err != nil {
		sink.Log("buttonless characteristic does not support notifications, continuing without them")
	}

	writer := newWriteSerializer()
	dialog := newControlDialog(buttonless, writer, sink, 0)

	// A bootloader-mode switch reboots the peripheral, which may drop the
	// link before (or instead of) acking the command with a 0x60 response.
	// The disconnect itself is the completion signal (spec.md §7): treat
	// it as success by unblocking the pending send with a nil error.
	device.OnDisconnect(func() {
		dialog.failAll(nil)
	})

	if _, err := dialog.send(newButtonCommandRequest()); err != nil {
		return errors.Wrap(err, "failed to send buttonless enter-bootloader command")
	}
	return nil
}
