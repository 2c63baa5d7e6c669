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

// ImageKind tags which of the two images in an update a given object
// belongs to. It determines the SELECT/CREATE sub-opcode (spec.md §3).
type ImageKind int

const (
	Init ImageKind = iota
	Firmware
)

func (k ImageKind) String() string {
	if k == Init {
		return "init"
	}
	return "firmware"
}

func (k ImageKind) objectType() objectType {
	if k == Init {
		return objectCommand
	}
	return objectData
}

// DeviceObjectWindow is the triple reported by a SELECT response for the
// image currently being transferred (spec.md §3).
type DeviceObjectWindow struct {
	MaxObjectSize uint32
	Offset        uint32
	Crc           uint32
}

// SpeedParams is the mutable pair of parameters the Smart Speed
// Controller (C8) degrades on persistent failure (spec.md §4.8).
type SpeedParams struct {
	PacketSize  int
	PrnInterval int
}

// TransferState tracks one image's transfer progress and speed
// parameters for the lifetime of that image (spec.md §3). It is reset
// at each image boundary by the Image Driver (C7).
type TransferState struct {
	TotalBytes     int64
	SentBytes      int64
	ValidatedBytes int64

	CurrentObjectKind ImageKind

	PacketsSentSincePrn int
	Speed               SpeedParams

	RetriesAtCurrentSpeed int
}

// CRC32Func computes a checksum over data. The engine accepts an
// injectable implementation (spec.md §6) so hosts may substitute their
// own CRC-32 (IEEE 802.3) implementation; DefaultCRC32 wraps the
// standard library's hash/crc32.
type CRC32Func func(data []byte) uint32
