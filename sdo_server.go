package canopen

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/internal/crc"
	"github.com/cia301/canopen/internal/fifo"
	"github.com/cia301/canopen/od"
)

type sdoState int

const (
	sdoStateIdle sdoState = iota
	sdoStateDownloadSegment
	sdoStateUploadSegment
	sdoStateDownloadBlockSubblock
	sdoStateDownloadBlockEnd
	sdoStateUploadBlockInitiate
	sdoStateUploadBlockSubblock
	sdoStateUploadBlockEnd
)

const sdoBufferSize = 1000

// SDOServer implements the CiA-301 SDO server side of C4: one session at a
// time, expedited/segmented/block download and upload, driven from
// Process so no handler ever blocks on the bus.
//
// Unlike a streaming object dictionary, this OD commits a download in one
// call once the whole value has been buffered; segmented and block
// downloads accumulate into buf and call od.Write exactly once, when
// the transfer finishes, so a partially written entry is never visible.
type SDOServer struct {
	canModule *CANModule
	dict      *od.ObjectDictionary
	tx        *txSlot

	state sdoState
	index uint16
	sub   uint8

	buf             *fifo.Fifo
	sizeIndicated   uint32
	sizeTransferred uint32
	finished        bool

	toggle uint8

	blockCRCEnabled bool
	blockCRC        crc.CRC16
	blockSize       uint8
	blockSeqno      uint8
	lastSegment     [7]byte

	timeoutTimer uint32 // ms since last activity in a non-idle state
	pending      *can.Frame

	uploadData []byte // whole value buffered for a segmented/block upload
	uploadPos  int
}

const sdoTimeoutMs = 1000

// NewSDOServer wires an SDO server into a CANModule's filter/mailbox tables
// at fixed slot indices.
func NewSDOServer(m *CANModule, dict *od.ObjectDictionary, rxSlotIdx, txSlotIdx int, rxCobId, txCobId uint32) (*SDOServer, error) {
	s := &SDOServer{
		canModule: m,
		dict:      dict,
		buf:       fifo.NewFifo(sdoBufferSize),
	}
	if err := m.RxBufferInit(rxSlotIdx, rxCobId, 0x7FF, false, s); err != nil {
		return nil, err
	}
	tx, err := m.TxBufferInit(txSlotIdx, txCobId, false, 8, false)
	if err != nil {
		return nil, err
	}
	s.tx = tx
	return s, nil
}

// Handle implements Handler: a request frame is latched for Process to
// consume on the next tick; no protocol work happens in handler context.
func (s *SDOServer) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	f := frame
	s.pending = &f
}

// DiscardPending drops any latched request frame without acting on it, the
// behaviour required while NMT is in the stopped state: the SDO server
// silently drops all frames when stopped.
func (s *SDOServer) DiscardPending() {
	s.pending = nil
}

func (s *SDOServer) send(data [8]byte) {
	s.canModule.Send(s.tx, data)
}

func (s *SDOServer) abort(index uint16, sub uint8, code SDOAbortCode) {
	var data [8]byte
	data[0] = 0x80
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = sub
	binary.LittleEndian.PutUint32(data[4:8], uint32(code))
	s.send(data)
	log.Warnf("sdo: aborting x%x:x%x with %v", index, sub, code)
	s.reset()
}

func (s *SDOServer) reset() {
	s.state = sdoStateIdle
	s.buf.Reset()
	s.sizeIndicated = 0
	s.sizeTransferred = 0
	s.finished = false
	s.timeoutTimer = 0
	s.uploadData = nil
	s.uploadPos = 0
	s.blockCRCEnabled = false
	s.blockCRC = 0
}

// Process advances the session state machine; call once per millisecond
// tick.
func (s *SDOServer) Process(elapsedMs uint32) error {
	if s.state != sdoStateIdle {
		s.timeoutTimer += elapsedMs
		if s.timeoutTimer > sdoTimeoutMs {
			s.abort(s.index, s.sub, AbortTimeout)
			return ErrTimeout
		}
	}
	frame := s.pending
	if frame == nil {
		return nil
	}
	s.pending = nil

	if frame.Data[0] == 0x80 {
		log.Debugf("sdo: client abort x%x:x%x", s.index, s.sub)
		s.reset()
		return nil
	}

	s.timeoutTimer = 0

	// A fresh initiate request received mid-session aborts the session;
	// the new request then starts over. Skipped during block sub-block
	// streaming, where byte 0 carries a raw sequence number that can
	// collide with any command specifier.
	if s.state == sdoStateDownloadSegment || s.state == sdoStateUploadSegment {
		if isInitiateCommand(frame.Data[0]) {
			s.abort(s.index, s.sub, AbortCommand)
			s.handleInitiate(*frame)
			return nil
		}
	}

	switch s.state {
	case sdoStateIdle:
		s.handleInitiate(*frame)
	case sdoStateDownloadSegment:
		s.handleDownloadSegment(*frame)
	case sdoStateUploadSegment:
		s.handleUploadSegment(*frame)
	case sdoStateDownloadBlockSubblock:
		s.handleDownloadBlockSubblock(*frame)
	case sdoStateDownloadBlockEnd:
		s.handleDownloadBlockEnd(*frame)
	case sdoStateUploadBlockInitiate:
		s.handleUploadBlockInitiateAck(*frame)
	case sdoStateUploadBlockSubblock:
		s.handleUploadBlockSubblockAck(*frame)
	case sdoStateUploadBlockEnd:
		if frame.Data[0] == 0xA1 {
			s.reset()
		}
	}
	return nil
}

// isInitiateCommand reports whether a client command byte opens a new
// transfer: download/upload initiate, block download initiate, or the
// block upload initiate sub-command.
func isInitiateCommand(cmd byte) bool {
	switch cmd & 0xE0 {
	case 0x20, 0x40, 0xC0:
		return true
	}
	return cmd&0xE3 == 0xA0
}

func (s *SDOServer) handleInitiate(frame can.Frame) {
	ccs := frame.Data[0] & 0xE0
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	sub := frame.Data[3]
	s.index, s.sub = index, sub

	switch ccs {
	case 0x20: // download initiate
		s.downloadInitiate(frame)
	case 0x40: // upload initiate
		s.uploadInitiate(frame)
	case 0xC0: // block download initiate
		s.downloadBlockInitiate(frame)
	case 0xA0: // block upload initiate
		s.uploadBlockInitiate(frame)
	default:
		s.abort(index, sub, AbortCommand)
	}
}

func (s *SDOServer) downloadInitiate(frame can.Frame) {
	cmd := frame.Data[0]
	index, sub := s.index, s.sub

	if cmd&0x02 != 0 { // expedited
		n := (cmd >> 2) & 0x03
		length := 4
		if cmd&0x01 != 0 { // size indicated
			length = 4 - int(n)
		}
		res := s.dict.Write(index, sub, frame.Data[4:4+length])
		if res != od.ResultOK {
			s.abort(index, sub, abortFromResult(res))
			return
		}
		var rsp [8]byte
		rsp[0] = 0x60
		binary.LittleEndian.PutUint16(rsp[1:3], index)
		rsp[3] = sub
		s.send(rsp)
		s.reset()
		return
	}

	// Segmented: s bit (0x01) optionally carries indicated size.
	s.sizeIndicated = 0
	if cmd&0x01 != 0 {
		s.sizeIndicated = binary.LittleEndian.Uint32(frame.Data[4:8])
	}
	s.sizeTransferred = 0
	s.toggle = 0
	s.buf.Reset()
	s.state = sdoStateDownloadSegment

	var rsp [8]byte
	rsp[0] = 0x60
	binary.LittleEndian.PutUint16(rsp[1:3], index)
	rsp[3] = sub
	s.send(rsp)
}

func (s *SDOServer) handleDownloadSegment(frame can.Frame) {
	cmd := frame.Data[0]
	index, sub := s.index, s.sub

	if cmd&0x10 != s.toggle {
		s.abort(index, sub, AbortToggleBit)
		return
	}
	n := (cmd >> 1) & 0x07
	length := 7 - int(n)
	last := cmd&0x01 != 0

	written := s.buf.Write(frame.Data[1:1+length], nil)
	s.sizeTransferred += uint32(written)

	if last {
		data := make([]byte, s.buf.GetOccupied())
		s.buf.Read(data, nil)
		if s.sizeIndicated > 0 && uint32(len(data)) != s.sizeIndicated {
			code := AbortDataShort
			if uint32(len(data)) > s.sizeIndicated {
				code = AbortDataLong
			}
			s.abort(index, sub, code)
			return
		}
		res := s.dict.Write(index, sub, data)
		if res != od.ResultOK {
			s.abort(index, sub, abortFromResult(res))
			return
		}
	}

	var rsp [8]byte
	rsp[0] = 0x20 | s.toggle
	s.send(rsp)
	s.toggle ^= 0x10

	if last {
		s.reset()
	}
}

func (s *SDOServer) uploadInitiate(frame can.Frame) {
	index, sub := s.index, s.sub
	data, res := s.dict.Read(index, sub)
	if res != od.ResultOK {
		s.abort(index, sub, abortFromResult(res))
		return
	}

	var rsp [8]byte
	binary.LittleEndian.PutUint16(rsp[1:3], index)
	rsp[3] = sub

	if len(data) <= 4 {
		n := 4 - len(data)
		rsp[0] = 0x43 | byte(n<<2)
		copy(rsp[4:], data)
		s.send(rsp)
		s.reset()
		return
	}

	s.uploadData = data
	s.uploadPos = 0
	s.toggle = 0
	s.state = sdoStateUploadSegment

	rsp[0] = 0x41
	binary.LittleEndian.PutUint32(rsp[4:8], uint32(len(data)))
	s.send(rsp)
}

func (s *SDOServer) handleUploadSegment(frame can.Frame) {
	cmd := frame.Data[0]
	index, sub := s.index, s.sub

	if cmd&0x10 != s.toggle {
		s.abort(index, sub, AbortToggleBit)
		return
	}

	remaining := len(s.uploadData) - s.uploadPos
	n := 7
	last := false
	if remaining <= 7 {
		n = remaining
		last = true
	}

	var rsp [8]byte
	rsp[0] = s.toggle | byte((7-n)<<1)
	if last {
		rsp[0] |= 0x01
	}
	copy(rsp[1:1+n], s.uploadData[s.uploadPos:s.uploadPos+n])
	s.uploadPos += n
	s.send(rsp)
	s.toggle ^= 0x10

	if last {
		s.reset()
	}
}

func (s *SDOServer) downloadBlockInitiate(frame can.Frame) {
	cmd := frame.Data[0]
	index, sub := s.index, s.sub

	s.blockCRCEnabled = cmd&0x04 != 0
	s.sizeIndicated = 0
	if cmd&0x02 != 0 {
		s.sizeIndicated = binary.LittleEndian.Uint32(frame.Data[4:8])
	}
	s.sizeTransferred = 0
	s.blockSeqno = 0
	s.blockSize = 127
	s.buf.Reset()
	s.blockCRC = 0
	s.state = sdoStateDownloadBlockSubblock

	var rsp [8]byte
	rsp[0] = 0xA4
	binary.LittleEndian.PutUint16(rsp[1:3], index)
	rsp[3] = sub
	rsp[4] = s.blockSize
	s.send(rsp)
}

func (s *SDOServer) handleDownloadBlockSubblock(frame can.Frame) {
	seqno := frame.Data[0] & 0x7F
	last := frame.Data[0]&0x80 != 0

	if seqno == s.blockSeqno+1 {
		s.blockSeqno = seqno
		if last {
			// The final segment's padding count is only known from the
			// block-end frame, so its CRC contribution is deferred there.
			written := s.buf.Write(frame.Data[1:8], nil)
			copy(s.lastSegment[:], frame.Data[1:8])
			s.sizeTransferred += uint32(written)
			s.finished = true
		} else {
			written := s.buf.Write(frame.Data[1:8], &s.blockCRC)
			s.sizeTransferred += uint32(written)
		}
	}

	if last || seqno == s.blockSize {
		var rsp [8]byte
		rsp[0] = 0xA2
		rsp[1] = s.blockSeqno
		rsp[2] = s.blockSize
		s.send(rsp)
		s.blockSeqno = 0
		if last {
			s.state = sdoStateDownloadBlockEnd
		}
	}
}

func (s *SDOServer) handleDownloadBlockEnd(frame can.Frame) {
	index, sub := s.index, s.sub
	cmd := frame.Data[0]
	n := (cmd >> 2) & 0x07 // number of bytes in last segment NOT containing data (padding)

	occupied := s.buf.GetOccupied()
	data := make([]byte, occupied-int(n))
	s.buf.Read(data, nil)

	if s.blockCRCEnabled {
		s.blockCRC.Block(s.lastSegment[:7-n])
		clientCRC := binary.LittleEndian.Uint16(frame.Data[1:3])
		if crc.CRC16(clientCRC) != s.blockCRC {
			s.abort(index, sub, AbortCRC)
			return
		}
	}

	if s.sizeIndicated > 0 && uint32(len(data)) != s.sizeIndicated {
		code := AbortDataShort
		if uint32(len(data)) > s.sizeIndicated {
			code = AbortDataLong
		}
		s.abort(index, sub, code)
		return
	}

	res := s.dict.Write(index, sub, data)
	if res != od.ResultOK {
		s.abort(index, sub, abortFromResult(res))
		return
	}

	var rsp [8]byte
	rsp[0] = 0xA1
	s.send(rsp)
	s.reset()
}

func (s *SDOServer) uploadBlockInitiate(frame can.Frame) {
	cmd := frame.Data[0]
	index, sub := s.index, s.sub
	s.blockCRCEnabled = cmd&0x04 != 0
	s.blockSize = frame.Data[4]
	if s.blockSize == 0 || s.blockSize > 127 {
		s.blockSize = 127
	}

	data, res := s.dict.Read(index, sub)
	if res != od.ResultOK {
		s.abort(index, sub, abortFromResult(res))
		return
	}
	s.uploadData = data
	s.uploadPos = 0
	s.blockCRC = 0
	if s.blockCRCEnabled {
		s.blockCRC.Block(data)
	}
	s.state = sdoStateUploadBlockInitiate

	var rsp [8]byte
	rsp[0] = 0xC4 | 0x02
	if s.blockCRCEnabled {
		rsp[0] |= 0x04
	}
	binary.LittleEndian.PutUint16(rsp[1:3], index)
	rsp[3] = sub
	binary.LittleEndian.PutUint32(rsp[4:8], uint32(len(data)))
	s.send(rsp)
}

// handleUploadBlockInitiateAck handles the client's "start upload" (0xA3)
// request that kicks off the first sub-block.
func (s *SDOServer) handleUploadBlockInitiateAck(frame can.Frame) {
	if frame.Data[0] != 0xA3 {
		s.abort(s.index, s.sub, AbortCommand)
		return
	}
	s.sendUploadSubblock()
}

func (s *SDOServer) sendUploadSubblock() {
	s.blockSeqno = 0
	for s.blockSeqno < s.blockSize {
		s.blockSeqno++
		var rsp [8]byte
		remaining := len(s.uploadData) - s.uploadPos
		last := remaining <= 7
		n := remaining
		if n > 7 {
			n = 7
		}
		rsp[0] = s.blockSeqno
		if last {
			rsp[0] |= 0x80
		}
		copy(rsp[1:1+n], s.uploadData[s.uploadPos:s.uploadPos+n])
		s.uploadPos += n
		s.send(rsp)
		if last {
			break
		}
	}
	s.state = sdoStateUploadBlockSubblock
}

func (s *SDOServer) handleUploadBlockSubblockAck(frame can.Frame) {
	if frame.Data[0] != 0xA2 {
		s.abort(s.index, s.sub, AbortCommand)
		return
	}
	ackSeqno := frame.Data[1]
	ackSize := frame.Data[2]
	if ackSize > 0 {
		s.blockSize = ackSize
	}
	if int(ackSeqno) >= s.uploadPos/7 && s.uploadPos < len(s.uploadData) {
		s.sendUploadSubblock()
		return
	}
	// Whole value sent; send the end-block frame.
	n := uint8(7 - len(s.uploadData)%7)
	if len(s.uploadData)%7 == 0 {
		n = 0
	}
	var rsp [8]byte
	rsp[0] = 0xC1 | (n << 2)
	if s.blockCRCEnabled {
		binary.LittleEndian.PutUint16(rsp[1:3], uint16(s.blockCRC))
	}
	s.send(rsp)
	s.state = sdoStateUploadBlockEnd
}
