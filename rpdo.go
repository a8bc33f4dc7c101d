package canopen

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/od"
)

// RPDO implements C6: the receive-PDO engine. Frames are buffered as
// received (two slots, toggled by SYNC) and scattered into OD variables
// atomically by Process once the configured phase arrives.
type RPDO struct {
	pdoCommon

	rxData   [2][8]byte
	rxLength [2]uint8
	rxNew    [2]bool

	sync        *Sync
	synchronous bool

	timeoutTimeUs uint32
	timeoutTimer  uint32
}

// NewRPDO compiles an RPDO from its mapping entry (0x16xx) and
// communication-parameter entry (0x14xx), registering an rx filter slot
// for the configured COB-ID.
func NewRPDO(m *CANModule, dict *od.ObjectDictionary, em *Emergency, sync *Sync, commIndex, mapIndex uint16, predefinedIdent uint16, rxSlotIdx int) (*RPDO, error) {
	commEntry := dict.Find(commIndex)
	mapEntry := dict.Find(mapIndex)
	if commEntry == nil || mapEntry == nil {
		return nil, ErrOdParameters
	}

	r := &RPDO{
		pdoCommon: pdoCommon{dict: dict, emergency: em, isRPDO: true},
		sync:      sync,
	}

	if err := r.compileMapping(mapEntry); err != nil {
		return nil, err
	}

	cobVar, res := commEntry.Sub(1)
	if res != od.ResultOK {
		return nil, ErrOdParameters
	}
	cobRaw, err := cobVar.Uint()
	if err != nil {
		return nil, ErrOdParameters
	}
	ident, valid := cobIdFromCommParam(uint32(cobRaw), predefinedIdent, len(r.entries))
	r.configuredIdent = ident
	r.predefinedIdent = predefinedIdent
	r.valid = valid

	if err := m.RxBufferInit(rxSlotIdx, uint32(ident), 0x7FF, false, r); err != nil {
		return nil, err
	}

	ttVar, res := commEntry.Sub(2)
	if res != od.ResultOK {
		return nil, ErrOdParameters
	}
	tt, err := ttVar.Uint()
	if err != nil {
		return nil, ErrOdParameters
	}
	r.synchronous = uint8(tt) <= TransmissionSync240

	if eventVar, res := commEntry.Sub(5); res == od.ResultOK {
		if u, err := eventVar.Uint(); err == nil {
			r.timeoutTimeUs = uint32(u) * 1000
		}
	}

	commExt := &od.Extension{Object: r, Read: r.readCommParam, Write: r.writeCommParam}
	for _, sub := range []uint8{1, 2, 5} {
		if v, res := commEntry.Sub(sub); res == od.ResultOK {
			v.SetExtension(commExt)
		}
	}

	log.Debugf("rpdo: x%x configured canId=%d valid=%v synchronous=%v", commIndex, ident, valid, r.synchronous)
	return r, nil
}

func (r *RPDO) readCommParam(v *od.Variable, data []byte) ([]byte, od.Result) {
	if v.SubIndex == 1 {
		raw := uint32(r.configuredIdent)
		if !r.valid {
			raw |= 0x80000000
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, raw)
		return out, od.ResultOK
	}
	return v.Bytes(), od.ResultOK
}

func (r *RPDO) writeCommParam(v *od.Variable, data []byte) od.Result {
	switch v.SubIndex {
	case 1:
		raw := binary.LittleEndian.Uint32(data)
		ident, valid := cobIdFromCommParam(raw, r.predefinedIdent, len(r.entries))
		r.configuredIdent = ident
		r.valid = valid
	case 2:
		r.synchronous = data[0] <= TransmissionSync240
	case 5:
		r.timeoutTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	}
	return od.ResultOK
}

// Handle implements Handler: buffers the incoming frame into the slot
// selected by the SYNC toggle for synchronous RPDOs, or slot 0 for
// event-driven ones.
func (r *RPDO) Handle(frame can.Frame) {
	if !r.valid || frame.DLC < r.dataLength {
		return
	}
	slot := 0
	if r.synchronous && r.sync != nil && r.sync.rxToggle {
		slot = 1
	}
	r.rxLength[slot] = frame.DLC
	copy(r.rxData[slot][:], frame.Data[:])
	r.rxNew[slot] = true
}

// Process scatters any buffered frame into OD variables once per tick,
// and tracks the receive timeout. Synchronous RPDOs apply only on the
// SYNC tick so all mapped variables change together.
func (r *RPDO) Process(elapsedUs uint32, operational bool, syncOccurred bool) {
	if !r.valid || !operational {
		r.rxNew[0] = false
		r.rxNew[1] = false
		r.timeoutTimer = 0
		return
	}
	if r.synchronous && !syncOccurred {
		return
	}

	slot := 0
	if r.synchronous && r.sync != nil && !r.sync.rxToggle {
		slot = 1
	}

	received := false
	for r.rxNew[slot] {
		received = true
		r.rxNew[slot] = false
		r.scatter(r.rxData[slot][:r.rxLength[slot]])
	}

	if r.timeoutTimeUs == 0 {
		return
	}
	if received {
		r.timeoutTimer = 1
	} else if r.timeoutTimer > 0 && r.timeoutTimer < r.timeoutTimeUs {
		r.timeoutTimer += elapsedUs
		if r.timeoutTimer >= r.timeoutTimeUs {
			log.Warnf("rpdo: x%x timed out waiting for data", r.configuredIdent)
			if r.emergency != nil {
				r.emergency.Report(true, EmcyRpdoTimeout, uint32(r.configuredIdent))
			}
		}
	}
}
