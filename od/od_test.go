package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDict() *ObjectDictionary {
	return NewFromRecords([]Record{
		{Index: 0x1000, SubIndex: 0, Name: "Device type", Datatype: Unsigned32, Attribute: AttrSdoR, Default: []byte{0, 0, 0, 0}},
		{Index: 0x1017, SubIndex: 0, Name: "Producer heartbeat time", Datatype: Unsigned16, Attribute: AttrSdoRW, Default: []byte{0xE8, 0x03}},
		{Index: 0x2000, SubIndex: 0, Name: "Max sub-index", Datatype: Unsigned8, Attribute: AttrSdoR, Default: []byte{2}},
		{Index: 0x2000, SubIndex: 1, Name: "Limited value", Datatype: Integer16, Attribute: AttrSdoRW, Default: []byte{0, 0}, HasLow: true, Low: -10, HasHigh: true, High: 10},
		{Index: 0x2000, SubIndex: 2, Name: "Write only", Datatype: Unsigned8, Attribute: AttrSdoW, Default: []byte{0}},
	})
}

func TestFindSub(t *testing.T) {
	dict := testDict()

	v, res := dict.FindSub(0x1017, 0)
	require.Equal(t, ResultOK, res)
	u, err := v.Uint()
	require.NoError(t, err)
	assert.EqualValues(t, 1000, u)

	_, res = dict.FindSub(0x9999, 0)
	assert.Equal(t, ResultNotFound, res)

	_, res = dict.FindSub(0x2000, 9)
	assert.Equal(t, ResultSubNotFound, res)
}

func TestReadWriteAttributes(t *testing.T) {
	dict := testDict()

	// Device type is read-only.
	data, res := dict.Read(0x1000, 0)
	require.Equal(t, ResultOK, res)
	assert.Len(t, data, 4)

	res = dict.Write(0x1000, 0, []byte{1, 0, 0, 0})
	assert.Equal(t, ResultReadOnly, res)

	// Sub 2 is write-only.
	_, res = dict.Read(0x2000, 2)
	assert.Equal(t, ResultWriteOnly, res)

	res = dict.Write(0x2000, 2, []byte{5})
	assert.Equal(t, ResultOK, res)
}

func TestWriteLengthChecks(t *testing.T) {
	dict := testDict()

	res := dict.Write(0x1017, 0, []byte{1, 2, 3})
	assert.Equal(t, ResultDataTooLong, res)

	res = dict.Write(0x1017, 0, []byte{1})
	assert.Equal(t, ResultDataTooShort, res)

	res = dict.Write(0x1017, 0, []byte{0x64, 0x00})
	assert.Equal(t, ResultOK, res)
	data, _ := dict.Read(0x1017, 0)
	assert.Equal(t, []byte{0x64, 0x00}, data)
}

func TestWriteBounds(t *testing.T) {
	dict := testDict()

	res := dict.Write(0x2000, 1, []byte{20, 0}) // 20 > HighLimit 10
	assert.Equal(t, ResultValueTooHigh, res)

	res = dict.Write(0x2000, 1, []byte{0xf6, 0xff}) // -10, exactly at LowLimit
	assert.Equal(t, ResultOK, res)

	res = dict.Write(0x2000, 1, []byte{0xf0, 0xff}) // -16 < LowLimit -10
	assert.Equal(t, ResultValueTooLow, res)
}

func TestExtensionHookVetoesWrite(t *testing.T) {
	dict := testDict()
	v, _ := dict.FindSub(0x1017, 0)

	var seen []byte
	v.SetExtension(&Extension{
		Object: "heartbeat-producer",
		Write: func(v *Variable, data []byte) Result {
			seen = data
			if data[0] == 0 && data[1] == 0 {
				return ResultInvalidValue
			}
			return ResultOK
		},
	})

	res := dict.Write(0x1017, 0, []byte{0, 0})
	assert.Equal(t, ResultInvalidValue, res)
	assert.Equal(t, []byte{0, 0}, seen)

	res = dict.Write(0x1017, 0, []byte{0x10, 0x00})
	assert.Equal(t, ResultOK, res)
	data, _ := dict.Read(0x1017, 0)
	assert.Equal(t, []byte{0x10, 0x00}, data)
}

func TestEntryMaxSubIndex(t *testing.T) {
	dict := testDict()
	entry := dict.Find(0x2000)
	require.NotNil(t, entry)
	assert.EqualValues(t, 2, entry.MaxSubIndex())
}
