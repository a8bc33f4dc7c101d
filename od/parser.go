package od

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Object types as used by a CiA-306 Electronic Data Sheet.
const (
	objDomain uint8 = 2
	objVar    uint8 = 7
	objArray  uint8 = 8
	objRecord uint8 = 9
)

var matchIndex = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
var matchSubIndex = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)

// ParseEDS builds an ObjectDictionary from a CiA-306 EDS file on disk.
// nodeId is added to any numeric DefaultValue containing the "$NODEID"
// placeholder; in string and domain values the placeholder is removed and
// nothing is added.
func ParseEDS(path string, nodeId uint8) (*ObjectDictionary, error) {
	return parseEDS(path, nodeId)
}

// ParseEDSBytes builds an ObjectDictionary from raw EDS file contents.
func ParseEDSBytes(data []byte, nodeId uint8) (*ObjectDictionary, error) {
	return parseEDS(data, nodeId)
}

func parseEDS(source any, nodeId uint8) (*ObjectDictionary, error) {
	dict := New()

	file, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("od: loading EDS: %w", err)
	}

	for _, section := range file.Sections() {
		name := section.Name()

		switch {
		case matchIndex.MatchString(name):
			idx, err := strconv.ParseUint(name, 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			paramName := section.Key("ParameterName").String()

			objectType := objVar
			if key, err := section.GetKey("ObjectType"); err == nil {
				parsed, err := strconv.ParseUint(key.Value(), 0, 8)
				if err != nil {
					return nil, fmt.Errorf("od: index x%x: bad ObjectType: %w", index, err)
				}
				objectType = uint8(parsed)
			}

			entry := newEntry(index, paramName)
			dict.addEntry(entry)

			switch objectType {
			case objVar, objDomain:
				v, err := buildVariable(section, paramName, nodeId, index, 0)
				if err != nil {
					return nil, err
				}
				entry.addSub(v)
			case objArray, objRecord:
				// Sub-entries arrive in their own "<index>sub<n>" sections below;
				// SubNumber is informative only, Go's map needs no pre-sizing.
			default:
				return nil, fmt.Errorf("od: index x%x: unsupported ObjectType x%x", index, objectType)
			}

			log.WithFields(log.Fields{"index": fmt.Sprintf("x%x", index), "name": paramName}).Debug("od: added entry")

		case matchSubIndex.MatchString(name):
			groups := matchSubIndex.FindStringSubmatch(name)
			idx, err := strconv.ParseUint(groups[1], 16, 16)
			if err != nil {
				return nil, err
			}
			sidx, err := strconv.ParseUint(groups[2], 16, 8)
			if err != nil {
				return nil, err
			}
			index, subIndex := uint16(idx), uint8(sidx)

			entry := dict.Find(index)
			if entry == nil {
				return nil, fmt.Errorf("od: sub-entry x%x:x%x: parent index not declared", index, subIndex)
			}
			paramName := section.Key("ParameterName").String()
			v, err := buildVariable(section, paramName, nodeId, index, subIndex)
			if err != nil {
				return nil, err
			}
			entry.addSub(v)
		}
	}

	return dict, nil
}

// buildVariable reads one EDS "[index]" or "[index]sub[n]" section into a
// Variable.
func buildVariable(section *ini.Section, name string, nodeId uint8, index uint16, subIndex uint8) (*Variable, error) {
	accessKey, err := section.GetKey("AccessType")
	if err != nil {
		return nil, fmt.Errorf("od: x%x:x%x: missing AccessType", index, subIndex)
	}

	pdoMapping := false
	if key, err := section.GetKey("PDOMapping"); err == nil {
		pdoMapping, err = key.Bool()
		if err != nil {
			return nil, fmt.Errorf("od: x%x:x%x: bad PDOMapping: %w", index, subIndex, err)
		}
	}

	dtValue, err := section.GetKey("DataType")
	if err != nil {
		return nil, fmt.Errorf("od: x%x:x%x: missing DataType", index, subIndex)
	}
	dtParsed, err := strconv.ParseUint(dtValue.Value(), 0, 8)
	if err != nil {
		return nil, fmt.Errorf("od: x%x:x%x: bad DataType: %w", index, subIndex, err)
	}
	dt := Datatype(dtParsed)

	v := &Variable{
		Index: index, SubIndex: subIndex, Name: name,
		Datatype: dt, Length: dt.Size(),
	}
	v.Attribute = calculateAttribute(accessKey.String(), pdoMapping, dt)

	if key, err := section.GetKey("HighLimit"); err == nil {
		high, err := key.Int64()
		if err != nil {
			return nil, fmt.Errorf("od: x%x:x%x: bad HighLimit: %w", index, subIndex, err)
		}
		v.hasHigh, v.high = true, high
	}
	if key, err := section.GetKey("LowLimit"); err == nil {
		low, err := key.Int64()
		if err != nil {
			return nil, fmt.Errorf("od: x%x:x%x: bad LowLimit: %w", index, subIndex, err)
		}
		v.hasLow, v.low = true, low
	}

	data := []byte{}
	if key, err := section.GetKey("DefaultValue"); err == nil {
		raw := key.Value()
		offset := nodeId
		if strings.Contains(raw, "$NODEID") {
			raw = regexp.MustCompile(`\+?\$NODEID\+?`).ReplaceAllString(raw, "")
		} else {
			offset = 0
		}
		data, err = encodeDefault(raw, dt, offset)
		if err != nil {
			return nil, fmt.Errorf("od: x%x:x%x: bad DefaultValue: %w", index, subIndex, err)
		}
	} else if v.Length > 0 {
		data = make([]byte, v.Length)
	}
	v.data = data
	if v.Length == 0 {
		v.Length = len(data)
	}

	return v, nil
}

// encodeDefault parses an EDS DefaultValue string into wire bytes, adding a
// node-ID offset to numeric types when the string carried a "$NODEID"
// placeholder (the
// standard way an EDS makes one value template cover every node instance).
func encodeDefault(value string, dt Datatype, nodeIdOffset uint8) ([]byte, error) {
	if value == "" {
		value = "0x0"
	}
	switch dt {
	case Boolean, Unsigned8, Integer8:
		parsed, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return nil, err
		}
		return []byte{byte(uint8(parsed) + nodeIdOffset)}, nil
	case Unsigned16, Integer16:
		parsed, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(parsed)+uint16(nodeIdOffset))
		return out, nil
	case Unsigned32, Integer32, Real32:
		parsed, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(parsed)+uint32(nodeIdOffset))
		return out, nil
	case Unsigned64, Integer64, Real64:
		parsed, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return nil, err
		}
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, parsed+uint64(nodeIdOffset))
		return out, nil
	case VisibleString, OctetString, UnicodeString:
		return []byte(value), nil
	case Domain:
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("od: unsupported datatype x%x in DefaultValue", dt)
	}
}

// calculateAttribute derives the OD access bitmask from an EDS AccessType
// string and PDO-mappability flag.
func calculateAttribute(accessType string, pdoMapping bool, dt Datatype) Attribute {
	var attr Attribute
	switch accessType {
	case "rw", "rwr", "rww":
		attr = AttrSdoRW
	case "ro", "const":
		attr = AttrSdoR
	case "wo":
		attr = AttrSdoW
	default:
		attr = AttrSdoRW
	}
	if pdoMapping {
		attr |= AttrTRPDO
	}
	if dt == VisibleString || dt == OctetString {
		attr |= AttrStr
	}
	return attr
}
