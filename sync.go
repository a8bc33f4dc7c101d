package canopen

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/od"
)

// SyncStatus is the three-way result of one Sync.Process call:
// nothing happened, a SYNC was produced/consumed this cycle, or the
// synchronous window (OD 0x1007) just closed.
type SyncStatus uint8

const (
	SyncNone SyncStatus = iota
	SyncRxTx
	SyncPassedWindow
)

// Sync is the SYNC producer (periodic frame + counter) and consumer
// (phase tracking with an out-of-tolerance timeout).
type Sync struct {
	canModule *CANModule
	emergency *Emergency

	ident      uint16
	isProducer bool
	tx         *txSlot

	counterOverflow uint8
	counter         uint8

	rxNew        bool
	rxToggle     bool
	receiveError uint8
	timeoutError uint8

	timerUs       uint32
	outsideWindow bool
	periodVar     *od.Variable
	windowVar     *od.Variable
}

// NewSync wires a Sync object from OD entries 0x1005 (COB-ID SYNC),
// 0x1006 (communication cycle period), 0x1007 (synchronous window length)
// and 0x1019 (synchronous counter overflow).
func NewSync(m *CANModule, em *Emergency, dict *od.ObjectDictionary, rxSlot, txSlot int) (*Sync, error) {
	cobEntry, res := dict.FindSub(0x1005, 0)
	if res != od.ResultOK {
		return nil, ErrOdParameters
	}
	cobId, err := cobEntry.Uint()
	if err != nil {
		return nil, ErrOdParameters
	}

	s := &Sync{
		canModule:  m,
		emergency:  em,
		ident:      uint16(cobId) & 0x7FF,
		isProducer: cobId&0x40000000 != 0,
	}

	if v, res := dict.FindSub(0x1006, 0); res == od.ResultOK {
		s.periodVar = v
	}
	if v, res := dict.FindSub(0x1007, 0); res == od.ResultOK {
		s.windowVar = v
	}
	if v, res := dict.FindSub(0x1019, 0); res == od.ResultOK {
		overflow, _ := v.Uint()
		switch {
		case overflow == 1:
			s.counterOverflow = 2
		case overflow > 240:
			s.counterOverflow = 240
		default:
			s.counterOverflow = uint8(overflow)
		}
		v.SetExtension(&od.Extension{Object: s, Write: s.writeCounterOverflow})
	}

	if err := m.RxBufferInit(rxSlot, uint32(s.ident), 0x7FF, false, s); err != nil {
		return nil, err
	}
	frameSize := uint8(0)
	if s.counterOverflow != 0 {
		frameSize = 1
	}
	tx, err := m.TxBufferInit(txSlot, uint32(s.ident), false, frameSize, false)
	if err != nil {
		return nil, err
	}
	s.tx = tx

	return s, nil
}

// writeCounterOverflow is the extension hook for OD 0x1019 (synchronous
// counter overflow value): rejected while the communication cycle period
// (0x1006) is non-zero, since resizing the counter while SYNC is actively
// cycling would change the wire frame's DLC out from under a running
// schedule.
func (s *Sync) writeCounterOverflow(v *od.Variable, data []byte) od.Result {
	overflow := data[0]
	if overflow == 1 || overflow > 240 {
		return od.ResultInvalidValue
	}
	if s.periodVar != nil {
		if period := binary.LittleEndian.Uint32(s.periodVar.Bytes()); period != 0 {
			return od.ResultDataCannotStore
		}
	}
	s.counterOverflow = overflow
	return od.ResultOK
}

// Handle implements Handler: a consumed SYNC frame marks rxNew so Process
// resets the phase timer on the next tick.
func (s *Sync) Handle(frame can.Frame) {
	received := false
	if s.counterOverflow == 0 {
		if frame.DLC == 0 {
			received = true
		} else {
			s.receiveError = frame.DLC | 0x40
		}
	} else {
		if frame.DLC == 1 {
			s.counter = frame.Data[0]
			received = true
		} else {
			s.receiveError = frame.DLC | 0x80
		}
	}
	if received {
		s.rxToggle = !s.rxToggle
		s.rxNew = true
	}
}

func (s *Sync) sendSync() {
	s.counter++
	if s.counter > s.counterOverflow {
		s.counter = 1
	}
	s.timerUs = 0
	s.rxToggle = !s.rxToggle
	var data [8]byte
	data[0] = s.counter
	s.canModule.Send(s.tx, data)
}

// Process advances the SYNC phase by timeDifferenceUs of wall-clock
// time. When operational is false the consumer side resets; the NMT
// state gates SYNC.
func (s *Sync) Process(operational bool, timeDifferenceUs uint32) SyncStatus {
	if !operational {
		s.rxNew = false
		s.receiveError = 0
		s.counter = 0
		s.timerUs = 0
		return SyncNone
	}

	status := SyncNone
	s.timerUs += timeDifferenceUs
	justReceived := false
	if s.rxNew {
		s.timerUs = 0
		s.rxNew = false
		justReceived = true
	}

	if s.periodVar != nil {
		period := binary.LittleEndian.Uint32(s.periodVar.Bytes())
		if period > 0 {
			if s.isProducer {
				if s.timerUs >= period {
					status = SyncRxTx
					s.sendSync()
				}
			} else {
				// Consumer side: the reception itself is the boundary
				// crossing that triggers RPDO apply + TPDO trigger.
				if justReceived {
					status = SyncRxTx
				}
				if s.timeoutError == 1 {
					periodTimeout := period + period>>1
					if periodTimeout < period {
						periodTimeout = 0xFFFFFFFF
					}
					if s.timerUs > periodTimeout {
						log.Warnf("sync: timed out, timer=%d", s.timerUs)
						s.timeoutError = 2
						if s.emergency != nil {
							s.emergency.Report(true, EmcyCommunication, s.timerUs)
						}
					}
				}
			}
		}
	} else if justReceived {
		status = SyncRxTx
	}

	if s.windowVar != nil {
		window := binary.LittleEndian.Uint32(s.windowVar.Bytes())
		if window > 0 && s.timerUs > window {
			if !s.outsideWindow {
				status = SyncPassedWindow
			}
			s.outsideWindow = true
		} else {
			s.outsideWindow = false
		}
	}

	if s.receiveError != 0 {
		log.Warnf("sync: reception error %v", s.receiveError)
		if s.emergency != nil {
			s.emergency.Report(true, EmcySyncDataLength, uint32(s.receiveError))
		}
		s.receiveError = 0
	}

	if status == SyncRxTx {
		if s.timeoutError == 2 && s.emergency != nil {
			s.emergency.Report(false, EmcyCommunication, 0)
		}
		s.timeoutError = 1
	}

	return status
}
