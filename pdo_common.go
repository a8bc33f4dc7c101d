package canopen

import (
	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/od"
)

// PDO mapping and transmission-type limits (CiA-301).
const (
	MaxPDOLength     = 8
	MaxMappedEntries = 8
)

// Transmission-type bands.
const (
	TransmissionSyncAcyclic uint8 = 0
	TransmissionSync1       uint8 = 1
	TransmissionSync240     uint8 = 0xF0
	TransmissionRTRSync     uint8 = 0xFC // 252: RTR synchronous
	TransmissionRTREvent    uint8 = 0xFD // 253: RTR event
	TransmissionEventLow    uint8 = 0xFE
	TransmissionEventHigh   uint8 = 0xFF
)

// pdoMapEntry is one gather/scatter slot compiled from a mapping
// sub-entry (index:subindex:bitlength packed the CiA-301 way).
type pdoMapEntry struct {
	variable   *od.Variable
	byteLength uint8
}

// pdoCommon holds the state shared between RPDO and TPDO compilation
// and processing.
type pdoCommon struct {
	dict       *od.ObjectDictionary
	emergency  *Emergency
	valid      bool
	dataLength uint8
	entries    []pdoMapEntry
	isRPDO     bool

	predefinedIdent uint16
	configuredIdent uint16
}

// compileMapping reads the mapping entry (0x16xx for RPDO, 0x1Axx for
// TPDO): sub0 is the mapped-object count, sub1..subN each pack
// index<<16 | subindex<<8 | bitlength.
func (p *pdoCommon) compileMapping(mapEntry *od.Entry) error {
	countVar, res := mapEntry.Sub(0)
	if res != od.ResultOK {
		return ErrOdParameters
	}
	count, err := countVar.Uint()
	if err != nil {
		return ErrOdParameters
	}

	p.entries = p.entries[:0]
	var total uint8
	for i := uint8(1); i <= uint8(count) && i <= MaxMappedEntries; i++ {
		v, res := mapEntry.Sub(i)
		if res != od.ResultOK {
			return ErrOdParameters
		}
		packed, err := v.Uint()
		if err != nil {
			return ErrOdParameters
		}
		index := uint16(packed >> 16)
		sub := uint8(packed >> 8)
		bitLength := uint8(packed)
		byteLength := bitLength >> 3

		if byteLength == 0 || bitLength&0x07 != 0 {
			log.Warnf("pdo: mapping x%x sub%d has a non-byte-aligned length", index, sub)
			return ErrOdParameters
		}

		mapped, res := p.dict.FindSub(index, sub)
		if res != od.ResultOK {
			log.Warnf("pdo: mapped object x%x:x%x does not exist", index, sub)
			return ErrOdParameters
		}
		requiredAttr := od.AttrTPDO
		if p.isRPDO {
			requiredAttr = od.AttrRPDO
		}
		if mapped.Attribute&requiredAttr == 0 {
			log.Warnf("pdo: object x%x:x%x is not mappable for this PDO direction", index, sub)
			return ErrOdParameters
		}

		total += byteLength
		if total > MaxPDOLength {
			return ErrOdParameters
		}
		p.entries = append(p.entries, pdoMapEntry{variable: mapped, byteLength: byteLength})
	}

	p.dataLength = total
	return nil
}

// gather reads every mapped variable's current value into one frame
// payload, in mapping order.
func (p *pdoCommon) gather() []byte {
	out := make([]byte, 0, p.dataLength)
	for _, e := range p.entries {
		b := e.variable.Bytes()
		if len(b) < int(e.byteLength) {
			padded := make([]byte, e.byteLength)
			copy(padded, b)
			b = padded
		}
		out = append(out, b[:e.byteLength]...)
	}
	return out
}

// scatter writes frame payload data back into each mapped variable, in
// mapping order.
func (p *pdoCommon) scatter(data []byte) {
	offset := 0
	for _, e := range p.entries {
		end := offset + int(e.byteLength)
		if end > len(data) {
			return
		}
		if res := p.dict.Write(e.variable.Index, e.variable.SubIndex, data[offset:end]); res != od.ResultOK {
			log.Warnf("pdo: failed writing mapped object x%x:x%x: %v", e.variable.Index, e.variable.SubIndex, res)
		}
		offset = end
	}
}

// cobIdFromCommParam decodes a communication-parameter COB-ID word into
// (ident, valid), substituting the pre-defined connection-set id when the
// OD stores the default node-relative value.
func cobIdFromCommParam(raw uint32, predefinedIdent uint16, mappedObjects int) (ident uint16, valid bool) {
	valid = raw&0x80000000 == 0
	ident = uint16(raw & 0x7FF)
	if valid && (mappedObjects == 0 || ident == 0) {
		valid = false
	}
	if !valid {
		ident = 0
	}
	if ident != 0 && ident == predefinedIdent&0xFF80 {
		ident = predefinedIdent
	}
	return ident, valid
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
