package canopen

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/can"
	"github.com/cia301/canopen/od"
)

// TPDO is the transmit-PDO engine: mapping compile, COB-ID and
// transmission-type configuration, inhibit/event timers and SYNC counting.
type TPDO struct {
	pdoCommon
	canModule *CANModule
	tx        *txSlot
	rxSlot    int

	transmissionType uint8
	inhibitTimeUs    uint32
	inhibitTimer     uint32
	eventTimeUs      uint32
	eventTimer       uint32
	sendRequest      bool
	rtrPending       bool

	lastSent     []byte
	haveLastSent bool

	sync           *Sync
	syncStartValue uint8
	syncCounter    uint8
}

// NewTPDO compiles a TPDO from its mapping entry (0x1Axx) and
// communication-parameter entry (0x18xx), reserving a tx mailbox for the
// configured COB-ID and an rx slot matching the same COB-ID with the RTR
// bit set, so the request-only transmission types 252/253 have an RTR
// frame to respond to. The rx slot is gated at dispatch time by the
// TPDO's configured transmission type.
func NewTPDO(m *CANModule, dict *od.ObjectDictionary, em *Emergency, sync *Sync, commIndex, mapIndex uint16, predefinedIdent uint16, txSlotIdx, rxSlotIdx int) (*TPDO, error) {
	commEntry := dict.Find(commIndex)
	mapEntry := dict.Find(mapIndex)
	if commEntry == nil || mapEntry == nil {
		return nil, ErrOdParameters
	}

	t := &TPDO{
		pdoCommon: pdoCommon{dict: dict, emergency: em, isRPDO: false},
		canModule: m,
		sync:      sync,
	}

	if err := t.compileMapping(mapEntry); err != nil {
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
	transmissionType := uint8(tt)
	if transmissionType > TransmissionSync240 && transmissionType < TransmissionRTRSync {
		// Reserved range (241-251): clamp to the event-driven band.
		transmissionType = TransmissionEventLow
	}
	t.transmissionType = transmissionType
	t.sendRequest = true

	cobVar, res := commEntry.Sub(1)
	if res != od.ResultOK {
		return nil, ErrOdParameters
	}
	cobRaw, err := cobVar.Uint()
	if err != nil {
		return nil, ErrOdParameters
	}
	ident, valid := cobIdFromCommParam(uint32(cobRaw), predefinedIdent, len(t.entries))
	t.configuredIdent = ident
	t.predefinedIdent = predefinedIdent
	t.valid = valid

	syncFlag := t.transmissionType <= TransmissionSync240 || t.transmissionType == TransmissionRTRSync
	tx, err := m.TxBufferInit(txSlotIdx, uint32(ident), false, t.dataLength, syncFlag)
	if err != nil {
		return nil, err
	}
	t.tx = tx

	if err := m.RxBufferInit(rxSlotIdx, uint32(ident), 0x7FF, true, t); err != nil {
		return nil, err
	}
	t.rxSlot = rxSlotIdx

	if inhibitVar, res := commEntry.Sub(3); res == od.ResultOK {
		if u, err := inhibitVar.Uint(); err == nil {
			t.inhibitTimeUs = uint32(u) * 100
		}
	}
	if eventVar, res := commEntry.Sub(5); res == od.ResultOK {
		if u, err := eventVar.Uint(); err == nil {
			t.eventTimeUs = uint32(u) * 1000
		}
	}
	if startVar, res := commEntry.Sub(6); res == od.ResultOK {
		if u, err := startVar.Uint(); err == nil {
			t.syncStartValue = uint8(u)
		}
	}
	t.syncCounter = 255

	commExt := &od.Extension{Object: t, Read: t.readCommParam, Write: t.writeCommParam}
	for _, sub := range []uint8{1, 2, 3, 5, 6} {
		if v, res := commEntry.Sub(sub); res == od.ResultOK {
			v.SetExtension(commExt)
		}
	}
	if v, res := mapEntry.Sub(0); res == od.ResultOK {
		v.SetExtension(&od.Extension{Object: t, Write: t.writeMapping})
	}

	log.Debugf("tpdo: x%x configured canId=%d valid=%v transmission=%d", commIndex, ident, valid, t.transmissionType)
	return t, nil
}

func (t *TPDO) readCommParam(v *od.Variable, data []byte) ([]byte, od.Result) {
	if v.SubIndex == 1 {
		raw := uint32(t.configuredIdent)
		if !t.valid {
			raw |= 0x80000000
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, raw)
		return out, od.ResultOK
	}
	return v.Bytes(), od.ResultOK
}

func (t *TPDO) writeCommParam(v *od.Variable, data []byte) od.Result {
	switch v.SubIndex {
	case 1:
		raw := binary.LittleEndian.Uint32(data)
		ident, valid := cobIdFromCommParam(raw, t.predefinedIdent, len(t.entries))
		t.configuredIdent = ident
		t.valid = valid
		if t.tx != nil {
			t.tx.Ident = uint32(ident)
		}
		t.canModule.RxBufferInit(t.rxSlot, uint32(ident), 0x7FF, true, t)
	case 2:
		transmissionType := data[0]
		if transmissionType > TransmissionSync240 && transmissionType < TransmissionRTRSync {
			transmissionType = TransmissionEventLow
		}
		t.transmissionType = transmissionType
		t.rtrPending = false
	case 3:
		t.inhibitTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 100
	case 5:
		t.eventTimeUs = uint32(binary.LittleEndian.Uint16(data)) * 1000
	case 6:
		t.syncStartValue = data[0]
	}
	return od.ResultOK
}

func (t *TPDO) writeMapping(v *od.Variable, data []byte) od.Result {
	return od.ResultUnsupported
}

// Send gathers the mapped values and transmits one TPDO frame,
// resetting the inhibit and event timers.
func (t *TPDO) Send() error {
	payload := t.gather()
	var data [8]byte
	copy(data[:], payload)
	t.sendRequest = false
	t.eventTimer = t.eventTimeUs
	t.inhibitTimer = t.inhibitTimeUs
	t.lastSent = payload
	t.haveLastSent = true
	return t.canModule.Send(t.tx, data)
}

// Handle implements Handler for the TPDO's own RTR-matching rx slot
// (transmission types 252/253 answer remote requests). Outside those
// two transmission types an RTR for this COB-ID is not expected and is
// ignored.
func (t *TPDO) Handle(frame can.Frame) {
	if t.transmissionType == TransmissionRTRSync || t.transmissionType == TransmissionRTREvent {
		t.rtrPending = true
	}
}

// Process drives the transmission-type dispatch: event-driven
// PDOs (254/255) fire on their event timer or inhibit-elapsed send
// request; synchronous PDOs (1-240) fire every Nth SYNC, with 0 meaning
// acyclic-on-request; 252/253 never auto-transmit and instead wait for an
// RTR frame on their own COB-ID, latched by Handle above.
func (t *TPDO) Process(elapsedUs uint32, operational bool, syncOccurred bool) {
	if !t.valid || !operational {
		t.sendRequest = true
		t.inhibitTimer = 0
		t.eventTimer = 0
		t.syncCounter = 255
		t.rtrPending = false
		return
	}

	if t.transmissionType == TransmissionRTRSync {
		if t.sync != nil && syncOccurred && t.rtrPending {
			t.rtrPending = false
			if err := t.Send(); err != nil {
				log.Warnf("tpdo: send failed: %v", err)
			}
		}
		return
	}
	if t.transmissionType == TransmissionRTREvent {
		if t.rtrPending {
			t.rtrPending = false
			if err := t.Send(); err != nil {
				log.Warnf("tpdo: send failed: %v", err)
			}
		}
		return
	}

	eventDriven := t.transmissionType == TransmissionSyncAcyclic || t.transmissionType >= TransmissionEventLow
	if eventDriven {
		// Change-of-state detection: compare the freshly gathered payload
		// against the one last transmitted.
		current := t.gather()
		if !t.haveLastSent || !bytesEqual(current, t.lastSent) {
			t.sendRequest = true
		}
	}
	if eventDriven && t.eventTimeUs != 0 {
		if t.eventTimer > elapsedUs {
			t.eventTimer -= elapsedUs
		} else {
			t.eventTimer = 0
		}
		if t.eventTimer == 0 {
			t.sendRequest = true
		}
	}

	if t.transmissionType >= TransmissionEventLow {
		if t.inhibitTimer > elapsedUs {
			t.inhibitTimer -= elapsedUs
		} else {
			t.inhibitTimer = 0
		}
		if t.sendRequest && t.inhibitTimer == 0 {
			if err := t.Send(); err != nil {
				log.Warnf("tpdo: send failed: %v", err)
			}
		}
		return
	}

	if t.sync == nil || !syncOccurred {
		return
	}

	if t.transmissionType == TransmissionSyncAcyclic {
		if t.sendRequest {
			if err := t.Send(); err != nil {
				log.Warnf("tpdo: send failed: %v", err)
			}
		}
		return
	}

	if t.syncCounter == 255 {
		t.syncCounter = t.transmissionType/2 + 1
	}
	switch t.syncCounter {
	case 1:
		t.syncCounter = t.transmissionType
		if err := t.Send(); err != nil {
			log.Warnf("tpdo: send failed: %v", err)
		}
	default:
		t.syncCounter--
	}
}
