// Package od implements the CANopen object dictionary: a
// typed lookup of (index, sub-index) onto a storage slot with access
// attributes and an optional client-installable read/write hook.
package od

import (
	"encoding/binary"
	"fmt"
)

// Extension lets an application interpose on reads and writes to an OD
// variable, e.g. to propagate a SYNC COB-ID change live. Object is the
// hook's back-pointer to its owning component.
type Extension struct {
	Object any
	Read   func(v *Variable, data []byte) ([]byte, Result)
	Write  func(v *Variable, data []byte) Result
}

// Variable is one (index, sub-index) storage slot: a typed, bounded,
// little-endian value with an optional extension hook.
type Variable struct {
	Index     uint16
	SubIndex  uint8
	Name      string
	Datatype  Datatype
	Attribute Attribute
	Length    int // declared wire length in bytes; 0 means "variable" (strings)

	data      []byte
	hasLow    bool
	hasHigh   bool
	low, high int64

	extension *Extension
}

// NewVariable creates a fixed-length numeric/boolean variable.
func NewVariable(index uint16, sub uint8, name string, dt Datatype, attr Attribute, initial []byte) *Variable {
	length := dt.Size()
	if length == 0 {
		length = len(initial)
	}
	data := make([]byte, length)
	copy(data, initial)
	return &Variable{
		Index: index, SubIndex: sub, Name: name,
		Datatype: dt, Attribute: attr, Length: length,
		data: data,
	}
}

// WithLimits sets an inclusive bound enforced on write.
func (v *Variable) WithLimits(low, high int64) *Variable {
	v.hasLow, v.low = true, low
	v.hasHigh, v.high = true, high
	return v
}

// SetExtension installs the read/write hook, replacing any previous one.
func (v *Variable) SetExtension(ext *Extension) { v.extension = ext }

func (v *Variable) Extension() *Extension { return v.extension }

// Bytes returns a copy of the variable's current raw (little-endian) value.
func (v *Variable) Bytes() []byte {
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

func (v *Variable) Len() int { return len(v.data) }

// Uint reads the variable as an unsigned little-endian integer of its
// declared length (1, 2, 4 or 8 bytes).
func (v *Variable) Uint() (uint64, error) {
	switch len(v.data) {
	case 1:
		return uint64(v.data[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(v.data)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(v.data)), nil
	case 8:
		return binary.LittleEndian.Uint64(v.data), nil
	default:
		return 0, fmt.Errorf("od: variable x%x:x%x is not a fixed-size integer", v.Index, v.SubIndex)
	}
}

func (v *Variable) checkBounds(data []byte) Result {
	if !v.hasLow && !v.hasHigh {
		return ResultOK
	}
	var signed int64
	switch len(data) {
	case 1:
		signed = int64(data[0])
	case 2:
		signed = int64(int16(binary.LittleEndian.Uint16(data)))
	case 4:
		signed = int64(int32(binary.LittleEndian.Uint32(data)))
	case 8:
		signed = int64(binary.LittleEndian.Uint64(data))
	default:
		return ResultOK
	}
	if v.hasHigh && signed > v.high {
		return ResultValueTooHigh
	}
	if v.hasLow && signed < v.low {
		return ResultValueTooLow
	}
	return ResultOK
}

// readRaw applies access attributes and the extension's read hook (if
// any), after a plain copy from storage.
func (v *Variable) readRaw() ([]byte, Result) {
	if v.Attribute&AttrSdoR == 0 {
		return nil, ResultWriteOnly
	}
	data := v.Bytes()
	if v.extension != nil && v.extension.Read != nil {
		return v.extension.Read(v, data)
	}
	return data, ResultOK
}

// writeRaw applies access attributes, length/bounds checks and the
// extension's write hook (if any), invoked before the value is
// committed to storage.
func (v *Variable) writeRaw(data []byte) Result {
	if v.Attribute&AttrSdoW == 0 {
		return ResultReadOnly
	}
	declared := v.Length
	if declared == 0 {
		declared = len(v.data)
	}
	if v.Attribute&AttrStr != 0 {
		if len(data) > declared {
			return ResultDataTooLong
		}
	} else {
		if len(data) > declared {
			return ResultDataTooLong
		}
		if len(data) < declared {
			return ResultDataTooShort
		}
	}
	if res := v.checkBounds(data); res != ResultOK {
		return res
	}
	if v.extension != nil && v.extension.Write != nil {
		if res := v.extension.Write(v, data); res != ResultOK {
			return res
		}
	}
	if v.Attribute&AttrStr != 0 {
		v.data = make([]byte, declared)
		copy(v.data, data)
	} else {
		copy(v.data, data)
	}
	return ResultOK
}

// Entry is one OD index, holding one sub-index 0..maxSubIndex worth of
// Variables (a VAR entry has exactly one; ARRAY/RECORD entries have many).
type Entry struct {
	Index uint16
	Name  string
	subs  map[uint8]*Variable
	order []uint8
}

func newEntry(index uint16, name string) *Entry {
	return &Entry{Index: index, Name: name, subs: make(map[uint8]*Variable)}
}

func (e *Entry) addSub(v *Variable) {
	if _, exists := e.subs[v.SubIndex]; !exists {
		e.order = append(e.order, v.SubIndex)
	}
	e.subs[v.SubIndex] = v
}

// Sub returns the variable at a given sub-index, or ResultSubNotFound.
func (e *Entry) Sub(sub uint8) (*Variable, Result) {
	v, ok := e.subs[sub]
	if !ok {
		return nil, ResultSubNotFound
	}
	return v, ResultOK
}

// MaxSubIndex returns the highest configured sub-index (informative; OD
// sub-index 0 on ARRAY/RECORD entries conventionally holds this count).
func (e *Entry) MaxSubIndex() uint8 {
	var max uint8
	for _, s := range e.order {
		if s > max {
			max = s
		}
	}
	return max
}

// ObjectDictionary is the (index, sub-index) -> Entry/Variable table.
// Lookup is a map rather than a sorted const table; the externally
// observable semantics are the same with none of the offline-sort
// bookkeeping.
type ObjectDictionary struct {
	entries map[uint16]*Entry
	order   []uint16
}

func New() *ObjectDictionary {
	return &ObjectDictionary{entries: make(map[uint16]*Entry)}
}

// Find looks up an entry by index. Returns nil if absent.
func (od *ObjectDictionary) Find(index uint16) *Entry {
	return od.entries[index]
}

// FindSub is the common (index, sub-index) -> Variable convenience
// lookup.
func (od *ObjectDictionary) FindSub(index uint16, sub uint8) (*Variable, Result) {
	entry := od.entries[index]
	if entry == nil {
		return nil, ResultNotFound
	}
	return entry.Sub(sub)
}

func (od *ObjectDictionary) addEntry(e *Entry) {
	if _, exists := od.entries[e.Index]; !exists {
		od.order = append(od.order, e.Index)
	}
	od.entries[e.Index] = e
}

// Indexes returns all configured OD indexes in insertion order.
func (od *ObjectDictionary) Indexes() []uint16 {
	out := make([]uint16, len(od.order))
	copy(out, od.order)
	return out
}

// Read returns a copy of the current value of (index, sub), honouring
// access attributes and extension hooks; on error it returns nil data.
func (od *ObjectDictionary) Read(index uint16, sub uint8) ([]byte, Result) {
	v, res := od.FindSub(index, sub)
	if res != ResultOK {
		return nil, res
	}
	return v.readRaw()
}

// Write validates and commits data to (index, sub), honouring access
// attributes, declared length, configured bounds and extension hooks.
func (od *ObjectDictionary) Write(index uint16, sub uint8, data []byte) Result {
	v, res := od.FindSub(index, sub)
	if res != ResultOK {
		return res
	}
	return v.writeRaw(data)
}
