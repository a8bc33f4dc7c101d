package canopen

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/od"
)

// Error register bits (CiA-301 object 0x1001).
const (
	ErrRegGeneric       byte = 0x01
	ErrRegCurrent       byte = 0x02
	ErrRegVoltage       byte = 0x04
	ErrRegTemperature   byte = 0x08
	ErrRegCommunication byte = 0x10
	ErrRegDeviceProfile byte = 0x20
	ErrRegManufacturer  byte = 0x80
)

// EMCY error codes (CiA-301 table), the most commonly raised subset.
const (
	EmcyNoError          uint16 = 0x0000
	EmcyGeneric          uint16 = 0x1000
	EmcyCurrent          uint16 = 0x2000
	EmcyVoltage          uint16 = 0x3000
	EmcyTemperature      uint16 = 0x4000
	EmcyHardware         uint16 = 0x5000
	EmcySoftwareDevice   uint16 = 0x6000
	EmcyMonitoring       uint16 = 0x8000
	EmcyCommunication    uint16 = 0x8100
	EmcyCanOverrun       uint16 = 0x8110
	EmcyCanPassive       uint16 = 0x8120
	EmcyHeartbeat        uint16 = 0x8130
	EmcyBusOffRecovered  uint16 = 0x8140
	EmcyProtocolError    uint16 = 0x8200
	EmcyPdoLength        uint16 = 0x8210
	EmcySyncDataLength   uint16 = 0x8240
	EmcyRpdoTimeout      uint16 = 0x8250
)

// registerBitForCode maps an EMCY error code's category (top byte) to the
// error register bit it sets, per CiA-301's error code groups.
func registerBitForCode(code uint16) byte {
	switch code >> 8 {
	case 0x10:
		return ErrRegGeneric
	case 0x20, 0x21, 0x22, 0x23:
		return ErrRegCurrent
	case 0x30, 0x31, 0x32, 0x33:
		return ErrRegVoltage
	case 0x40, 0x41, 0x42:
		return ErrRegTemperature
	case 0x50:
		return ErrRegGeneric
	case 0x60, 0x61, 0x62, 0x63:
		return ErrRegGeneric
	case 0x81, 0x82:
		return ErrRegCommunication
	default:
		return ErrRegGeneric
	}
}

type emcyEntry struct {
	code uint16
	info uint32
}

// Emergency implements C3: the error register (OD 0x1001), the
// pre-defined error field ring (OD 0x1003, CiA-301 mandatory), and the
// EMCY producer with inhibit-time coalescing.
type Emergency struct {
	canModule *CANModule
	dict      *od.ObjectDictionary
	nodeId    uint8
	tx        *txSlot

	producerIdent   uint16
	producerEnabled bool

	errorRegister byte
	ring          []emcyEntry
	ringWrite     int
	ringCount     int

	inhibitTimeUs uint32
	inhibitTimer  uint32
	pendingCode   uint16
	pendingInfo   uint32
	pending       bool

	// RxCallback, if set, is invoked for every EMCY frame consumed from the
	// bus, including this node's own.
	RxCallback func(ident uint16, code uint16, register byte, bit byte, info uint32)
}

const emcyRingSize = 8

// NewEmergency wires an Emergency object from OD entries 0x1001 (error
// register), 0x1003 (pre-defined error field), 0x1014 (COB-ID EMCY) and
// 0x1015 (inhibit time), and reserves a tx mailbox and an rx filter slot so
// it can also consume other nodes' EMCY frames.
func NewEmergency(m *CANModule, dict *od.ObjectDictionary, nodeId uint8, rxSlot, txSlot int) (*Emergency, error) {
	e := &Emergency{
		canModule: m,
		dict:      dict,
		nodeId:    nodeId,
		ring:      make([]emcyEntry, emcyRingSize),
	}

	cobId := uint32(0x80) + uint32(nodeId)
	if v, res := dict.FindSub(0x1014, 0); res == od.ResultOK {
		if u, err := v.Uint(); err == nil {
			cobId = uint32(u)
		}
		v.SetExtension(&od.Extension{Object: e, Write: e.writeCobId})
	}
	e.producerIdent = uint16(cobId) & 0x7FF
	e.producerEnabled = cobId&0x80000000 == 0

	if v, res := dict.FindSub(0x1015, 0); res == od.ResultOK {
		if u, err := v.Uint(); err == nil {
			e.inhibitTimeUs = uint32(u) * 100
		}
		v.SetExtension(&od.Extension{Object: e, Write: e.writeInhibitTime})
	}

	if v, res := dict.FindSub(0x1001, 0); res == od.ResultOK {
		v.SetExtension(&od.Extension{Object: e, Read: e.readErrorRegister})
	}

	if entry := dict.Find(0x1003); entry != nil {
		for _, sub := range []uint8{0, 1, 2, 3, 4, 5, 6, 7, 8} {
			if v, res := entry.Sub(sub); res == od.ResultOK {
				v.SetExtension(&od.Extension{Object: e, Read: e.readPredefinedErrorField, Write: e.writePredefinedErrorField})
			}
		}
	}

	if err := m.RxBufferInit(rxSlot, 0x80, 0x780, false, e); err != nil {
		return nil, err
	}
	tx, err := m.TxBufferInit(txSlot, cobId&0x7FF, false, 8, false)
	if err != nil {
		return nil, err
	}
	e.tx = tx

	return e, nil
}

func (e *Emergency) readErrorRegister(v *od.Variable, data []byte) ([]byte, od.Result) {
	data[0] = e.errorRegister
	return data, od.ResultOK
}

// isIDRestricted reports whether an 11-bit identifier falls in one of the
// ranges CiA-301 reserves for broadcast and default connection-set objects;
// a configured COB-ID may not collide with these.
func isIDRestricted(canId uint16) bool {
	return canId <= 0x7f ||
		(canId >= 0x101 && canId <= 0x180) ||
		(canId >= 0x581 && canId <= 0x5FF) ||
		(canId >= 0x601 && canId <= 0x67F) ||
		(canId >= 0x6E0 && canId <= 0x6FF) ||
		canId >= 0x701
}

func (e *Emergency) writeCobId(v *od.Variable, data []byte) od.Result {
	cobId := binary.LittleEndian.Uint32(data)
	newIdent := uint16(cobId & 0x7FF)
	if cobId&0x7FFFF800 != 0 || isIDRestricted(newIdent) {
		return od.ResultInvalidValue
	}
	e.producerIdent = newIdent
	e.producerEnabled = cobId&0x80000000 == 0
	return od.ResultOK
}

func (e *Emergency) writeInhibitTime(v *od.Variable, data []byte) od.Result {
	e.inhibitTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 100
	e.inhibitTimer = 0
	return od.ResultOK
}

// readPredefinedErrorField serves OD 0x1003: sub0 is the current entry
// count, sub-N the Nth most recent entry, most recent first, as a u32
// holding the entry's error code in bits 0-15 and the current error
// register in bits 16-23. The info value passed to Report is not part of
// it.
func (e *Emergency) readPredefinedErrorField(v *od.Variable, data []byte) ([]byte, od.Result) {
	if v.SubIndex == 0 {
		return []byte{byte(e.ringCount)}, od.ResultOK
	}
	if int(v.SubIndex) > e.ringCount {
		return nil, od.ResultNoResource
	}
	index := e.ringWrite - int(v.SubIndex)
	if index < 0 {
		index += len(e.ring)
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(e.ring[index].code)|uint32(e.errorRegister)<<16)
	return out, od.ResultOK
}

func (e *Emergency) writePredefinedErrorField(v *od.Variable, data []byte) od.Result {
	if v.SubIndex != 0 || data[0] != 0 {
		return od.ResultInvalidValue
	}
	e.ringCount = 0
	e.ringWrite = 0
	return od.ResultOK
}

// Handle implements Handler, consuming EMCY frames from other nodes;
// EMCY is a bus-wide broadcast every node may observe.
func (e *Emergency) Handle(frame can.Frame) {
	if e.RxCallback == nil || frame.DLC != 8 {
		return
	}
	code := binary.LittleEndian.Uint16(frame.Data[0:2])
	info := binary.LittleEndian.Uint32(frame.Data[4:8])
	e.RxCallback(uint16(frame.ID), code, frame.Data[2], frame.Data[3], info)
}

// Report sets or clears an error condition. Setting an already-set
// condition, or clearing an already-clear one, is a no-op; EMCY is
// edge-triggered. A newly set condition queues a ring entry and an EMCY
// frame, sent by Process once the inhibit timer allows it.
func (e *Emergency) Report(setError bool, code uint16, info uint32) {
	bit := registerBitForCode(code)
	wasSet := e.errorRegister&bit != 0
	if setError == wasSet {
		return
	}
	if setError {
		e.errorRegister |= bit
	} else {
		e.errorRegister &^= bit
		code = EmcyNoError
	}

	e.ring[e.ringWrite] = emcyEntry{code: code, info: info}
	e.ringWrite++
	if e.ringWrite >= len(e.ring) {
		e.ringWrite = 0
	}
	if e.ringCount < len(e.ring) {
		e.ringCount++
	}

	e.pending = true
	e.pendingCode = code
	e.pendingInfo = info
	log.Debugf("emergency: queued code x%x register x%x", code, e.errorRegister)
}

// Process sends one queued EMCY frame once the inhibit timer has
// elapsed; successive reports inside the inhibit time coalesce into the
// most recent one. Call once per millisecond tick.
func (e *Emergency) Process(elapsedUs uint32) {
	if e.inhibitTimer < e.inhibitTimeUs {
		e.inhibitTimer += elapsedUs
	}
	if !e.pending || !e.producerEnabled || e.inhibitTimer < e.inhibitTimeUs {
		return
	}
	e.inhibitTimer = 0
	e.pending = false

	var data [8]byte
	binary.LittleEndian.PutUint16(data[0:2], e.pendingCode)
	data[2] = e.errorRegister
	binary.LittleEndian.PutUint32(data[4:8], e.pendingInfo)
	e.canModule.Send(e.tx, data)

	if e.RxCallback != nil {
		e.RxCallback(e.producerIdent, e.pendingCode, e.errorRegister, registerBitForCode(e.pendingCode), e.pendingInfo)
	}
}
