package fifo

import "github.com/cia301/canopen/internal/crc"

// Fifo is a fixed-capacity circular byte buffer. The SDO server uses one per
// transfer to stage segmented and block download/upload payloads between the
// CAN frame handlers and the object dictionary.
type Fifo struct {
	buffer   []byte
	writePos int
	readPos  int
}

func NewFifo(size uint16) *Fifo {
	return &Fifo{buffer: make([]byte, size)}
}

// Reset empties the fifo.
func (f *Fifo) Reset() {
	f.readPos = 0
	f.writePos = 0
}

// GetOccupied returns how many bytes are currently buffered and unread.
func (f *Fifo) GetOccupied() int {
	occupied := f.writePos - f.readPos
	if occupied < 0 {
		occupied += len(f.buffer)
	}
	return occupied
}

// Write appends buffer's contents, stopping early if the fifo fills up, and
// returns the number of bytes actually written. When crc is non-nil, every
// byte accepted is folded into it in the same pass, so the block-
// transfer CRC never re-walks the buffer.
func (f *Fifo) Write(buffer []byte, crc *crc.CRC16) int {
	if buffer == nil {
		return 0
	}
	written := 0
	for _, b := range buffer {
		next := f.writePos + 1
		if next == f.readPos || (next == len(f.buffer) && f.readPos == 0) {
			break
		}
		f.buffer[f.writePos] = b
		written++
		if crc != nil {
			crc.Single(b)
		}
		if next == len(f.buffer) {
			f.writePos = 0
		} else {
			f.writePos = next
		}
	}
	return written
}

// Read drains up to len(buffer) bytes into buffer and returns how many bytes
// were copied; eof, if non-nil, is left false (the fifo has no end-of-stream
// marker of its own; callers track completion via the SDO size fields).
func (f *Fifo) Read(buffer []byte, eof *bool) int {
	if buffer == nil {
		return 0
	}
	if eof != nil {
		*eof = false
	}
	if f.readPos == f.writePos {
		return 0
	}
	read := 0
	for i := range buffer {
		if f.readPos == f.writePos {
			break
		}
		buffer[i] = f.buffer[f.readPos]
		read++
		f.readPos++
		if f.readPos == len(f.buffer) {
			f.readPos = 0
		}
	}
	return read
}
