package od

// Result is the return code of OD access functions.
type Result int8

const (
	ResultPartial         Result = -1 // read/write only partial, caller must call again
	ResultOK              Result = 0
	ResultOutOfMemory     Result = 1
	ResultUnsupported     Result = 2
	ResultWriteOnly       Result = 3
	ResultReadOnly        Result = 4
	ResultNotFound        Result = 5
	ResultNoMap           Result = 6
	ResultMapLen          Result = 7
	ResultParamIncompat   Result = 8
	ResultDeviceIncompat  Result = 9
	ResultHardware        Result = 10
	ResultTypeMismatch    Result = 11
	ResultDataTooLong     Result = 12
	ResultDataTooShort    Result = 13
	ResultSubNotFound     Result = 14
	ResultInvalidValue    Result = 15
	ResultValueTooHigh    Result = 16
	ResultValueTooLow     Result = 17
	ResultMaxLessMin      Result = 18
	ResultNoResource      Result = 19
	ResultGeneral         Result = 20
	ResultDataCannotStore Result = 21
)

var resultText = map[Result]string{
	ResultPartial:         "partial read/write, more calls needed",
	ResultOK:              "ok",
	ResultOutOfMemory:     "out of memory",
	ResultUnsupported:     "unsupported access to an object",
	ResultWriteOnly:       "attempt to read a write only object",
	ResultReadOnly:        "attempt to write a read only object",
	ResultNotFound:        "object does not exist in the object dictionary",
	ResultNoMap:           "object cannot be mapped to the PDO",
	ResultMapLen:          "num and len of object to be mapped exceeds PDO length",
	ResultParamIncompat:   "general parameter incompatibility",
	ResultDeviceIncompat:  "general internal incompatibility in device",
	ResultHardware:        "access failed due to a hardware error",
	ResultTypeMismatch:    "data type does not match",
	ResultDataTooLong:     "data type does not match, length too high",
	ResultDataTooShort:    "data type does not match, length too short",
	ResultSubNotFound:     "sub-index does not exist",
	ResultInvalidValue:    "invalid value for parameter",
	ResultValueTooHigh:    "value range of parameter written too high",
	ResultValueTooLow:     "value range of parameter written too low",
	ResultMaxLessMin:      "maximum value is less than minimum value",
	ResultNoResource:      "resource not available",
	ResultGeneral:         "general error",
	ResultDataCannotStore: "data cannot be transferred or stored to the application",
}

func (r Result) Error() string {
	if s, ok := resultText[r]; ok {
		return s
	}
	return "unknown object dictionary error"
}

// Attribute is the OD sub-entry access/mapping bitmask.
type Attribute uint8

const (
	AttrSdoR  Attribute = 0x01 // SDO server may read
	AttrSdoW  Attribute = 0x02 // SDO server may write
	AttrSdoRW Attribute = AttrSdoR | AttrSdoW
	AttrTPDO  Attribute = 0x04 // mappable into a TPDO
	AttrRPDO  Attribute = 0x08 // mappable into a RPDO
	AttrTRPDO Attribute = AttrTPDO | AttrRPDO
	AttrMB    Attribute = 0x10 // multi-byte (u)intN, little-endian on the wire
	AttrStr   Attribute = 0x20 // shorter-than-declared writes are zero padded
)

// Datatype enumerates the CANopen basic data types (CiA-301 table), used
// both for OD records and for EDS parsing.
type Datatype uint8

const (
	Boolean       Datatype = 0x01
	Integer8      Datatype = 0x02
	Integer16     Datatype = 0x03
	Integer32     Datatype = 0x04
	Unsigned8     Datatype = 0x05
	Unsigned16    Datatype = 0x06
	Unsigned32    Datatype = 0x07
	Real32        Datatype = 0x08
	VisibleString Datatype = 0x09
	OctetString   Datatype = 0x0A
	UnicodeString Datatype = 0x0B
	Domain        Datatype = 0x0F
	Real64        Datatype = 0x11
	Integer64     Datatype = 0x15
	Unsigned64    Datatype = 0x1B
)

// Size returns the fixed wire length in bytes for scalar data types, or 0
// for variable-length types (strings, domain).
func (d Datatype) Size() int {
	switch d {
	case Boolean, Integer8, Unsigned8:
		return 1
	case Integer16, Unsigned16:
		return 2
	case Integer32, Unsigned32, Real32:
		return 4
	case Integer64, Unsigned64, Real64:
		return 8
	default:
		return 0
	}
}
