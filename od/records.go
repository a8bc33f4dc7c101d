package od

// Record is one compile-time-declared (index, sub-index) OD slot, the
// embedded-target counterpart to an EDS section: a Go literal instead of a
// parsed ini file, for firmware builds that bake their dictionary in rather
// than loading it from disk.
type Record struct {
	Index     uint16
	SubIndex  uint8
	Name      string
	Datatype  Datatype
	Attribute Attribute
	Default   []byte // initial value, little-endian; nil zero-fills to Datatype.Size()
	HasLow    bool
	Low       int64
	HasHigh   bool
	High      int64
}

// NewFromRecords builds an ObjectDictionary from a literal table of Records,
// grouping consecutive records sharing an Index under one Entry. This is the
// OD construction path for targets that declare their dictionary as Go data
// rather than parsing it from an EDS file at runtime.
func NewFromRecords(records []Record) *ObjectDictionary {
	dict := New()
	for _, r := range records {
		entry := dict.Find(r.Index)
		if entry == nil {
			entry = newEntry(r.Index, r.Name)
			dict.addEntry(entry)
		}

		length := r.Datatype.Size()
		if length == 0 {
			length = len(r.Default)
		}
		data := make([]byte, length)
		copy(data, r.Default)

		v := &Variable{
			Index: r.Index, SubIndex: r.SubIndex, Name: r.Name,
			Datatype: r.Datatype, Attribute: r.Attribute, Length: length,
			data: data,
		}
		if r.HasLow {
			v.hasLow, v.low = true, r.Low
		}
		if r.HasHigh {
			v.hasHigh, v.high = true, r.High
		}
		entry.addSub(v)
	}
	return dict
}
