package canopen

import (
	log "github.com/sirupsen/logrus"

	"github.com/cia301/canopen/od"
)

// SDOAbortCode is the CiA-301 SDO abort code carried in the last 4 bytes of
// an abort-transfer frame.
type SDOAbortCode uint32

const (
	AbortNone              SDOAbortCode = 0x00000000
	AbortToggleBit         SDOAbortCode = 0x05030000
	AbortTimeout           SDOAbortCode = 0x05040000
	AbortCommand           SDOAbortCode = 0x05040001
	AbortBlockSize         SDOAbortCode = 0x05040002
	AbortSeqNum            SDOAbortCode = 0x05040003
	AbortCRC               SDOAbortCode = 0x05040004
	AbortOutOfMemory       SDOAbortCode = 0x05040005
	AbortUnsupportedAccess SDOAbortCode = 0x06010000
	AbortWriteOnly         SDOAbortCode = 0x06010001
	AbortReadOnly          SDOAbortCode = 0x06010002
	AbortNotExist          SDOAbortCode = 0x06020000
	AbortNoMap             SDOAbortCode = 0x06040041
	AbortMapLen            SDOAbortCode = 0x06040042
	AbortParamIncompat     SDOAbortCode = 0x06040043
	AbortDeviceIncompat    SDOAbortCode = 0x06040047
	AbortHardware          SDOAbortCode = 0x06060000
	AbortTypeMismatch      SDOAbortCode = 0x06070010
	AbortDataLong          SDOAbortCode = 0x06070012
	AbortDataShort         SDOAbortCode = 0x06070013
	AbortSubUnknown        SDOAbortCode = 0x06090011
	AbortInvalidValue      SDOAbortCode = 0x06090030
	AbortValueHigh         SDOAbortCode = 0x06090031
	AbortValueLow          SDOAbortCode = 0x06090032
	AbortMaxLessMin        SDOAbortCode = 0x06090036
	AbortNoResource        SDOAbortCode = 0x060A0023
	AbortGeneral           SDOAbortCode = 0x08000000
	AbortDataCannotStore   SDOAbortCode = 0x08000020
)

var abortExplanation = map[SDOAbortCode]string{
	AbortNone:              "no abort",
	AbortToggleBit:         "toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCommand:           "command specifier not valid or unknown",
	AbortBlockSize:         "invalid block size in block mode",
	AbortSeqNum:            "invalid sequence number in block mode",
	AbortCRC:               "CRC error (block mode only)",
	AbortOutOfMemory:       "out of memory",
	AbortUnsupportedAccess: "unsupported access to an object",
	AbortWriteOnly:         "attempt to read a write only object",
	AbortReadOnly:          "attempt to write a read only object",
	AbortNotExist:          "object does not exist in the object dictionary",
	AbortNoMap:             "object cannot be mapped to the PDO",
	AbortMapLen:            "num and len of object to be mapped exceeds PDO length",
	AbortParamIncompat:     "general parameter incompatibility reasons",
	AbortDeviceIncompat:    "general internal incompatibility in device",
	AbortHardware:          "access failed due to hardware error",
	AbortTypeMismatch:      "data type does not match, length does not match",
	AbortDataLong:          "data type does not match, length too high",
	AbortDataShort:         "data type does not match, length too short",
	AbortSubUnknown:        "sub-index does not exist",
	AbortInvalidValue:      "invalid value for parameter (download only)",
	AbortValueHigh:         "value range of parameter written too high",
	AbortValueLow:          "value range of parameter written too low",
	AbortMaxLessMin:        "maximum value is less than minimum value",
	AbortNoResource:        "resource not available: SDO connection",
	AbortGeneral:           "general error",
	AbortDataCannotStore:   "data cannot be transferred or stored to the application",
}

func (a SDOAbortCode) Error() string {
	if s, ok := abortExplanation[a]; ok {
		return s
	}
	log.Errorf("sdo: unmapped abort code x%x", uint32(a))
	return abortExplanation[AbortGeneral]
}

// odAbortMap translates an od.Result into the wire abort code the SDO
// server reports for it.
var odAbortMap = map[od.Result]SDOAbortCode{
	od.ResultOK:              AbortNone,
	od.ResultOutOfMemory:     AbortOutOfMemory,
	od.ResultUnsupported:     AbortUnsupportedAccess,
	od.ResultWriteOnly:       AbortWriteOnly,
	od.ResultReadOnly:        AbortReadOnly,
	od.ResultNotFound:        AbortNotExist,
	od.ResultNoMap:           AbortNoMap,
	od.ResultMapLen:          AbortMapLen,
	od.ResultParamIncompat:   AbortParamIncompat,
	od.ResultDeviceIncompat:  AbortDeviceIncompat,
	od.ResultHardware:        AbortHardware,
	od.ResultTypeMismatch:    AbortTypeMismatch,
	od.ResultDataTooLong:     AbortDataLong,
	od.ResultDataTooShort:    AbortDataShort,
	od.ResultSubNotFound:     AbortSubUnknown,
	od.ResultInvalidValue:    AbortInvalidValue,
	od.ResultValueTooHigh:    AbortValueHigh,
	od.ResultValueTooLow:     AbortValueLow,
	od.ResultMaxLessMin:      AbortMaxLessMin,
	od.ResultNoResource:      AbortNoResource,
	od.ResultGeneral:         AbortGeneral,
	od.ResultDataCannotStore: AbortDataCannotStore,
}

func abortFromResult(res od.Result) SDOAbortCode {
	if code, ok := odAbortMap[res]; ok {
		return code
	}
	return AbortGeneral
}
