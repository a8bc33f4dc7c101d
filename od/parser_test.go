package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEDSFile(t *testing.T) {
	dict, err := ParseEDS("testdata/base.eds", 0x10)
	require.NoError(t, err)

	v, res := dict.FindSub(0x1000, 0)
	require.Equal(t, ResultOK, res)
	assert.Equal(t, AttrSdoR, v.Attribute)

	v, res = dict.FindSub(0x1017, 0)
	require.Equal(t, ResultOK, res)
	u, err := v.Uint()
	require.NoError(t, err)
	assert.EqualValues(t, 1000, u)
	assert.Equal(t, AttrSdoRW|AttrTRPDO, v.Attribute)

	entry := dict.Find(0x1018)
	require.NotNil(t, entry)
	sub0, res := entry.Sub(0)
	require.Equal(t, ResultOK, res)
	n, _ := sub0.Uint()
	assert.EqualValues(t, 1, n)

	sub1, res := entry.Sub(1)
	require.Equal(t, ResultOK, res)
	vendor, _ := sub1.Uint()
	assert.EqualValues(t, 0x12345678, vendor)
}

func TestParseEDSNodeIDPlaceholder(t *testing.T) {
	dict, err := ParseEDS("testdata/base.eds", 0x10)
	require.NoError(t, err)

	v, res := dict.FindSub(0x2000, 0)
	require.Equal(t, ResultOK, res)
	assert.Equal(t, "node-", string(v.Bytes()))
}

func TestParseEDSMissingIndex(t *testing.T) {
	_, err := ParseEDS("testdata/does-not-exist.eds", 0x10)
	assert.Error(t, err)
}
