package device

import (
	"encoding/binary"
	"fmt"
)

// Translator holds a pair of conversion functions for attributes whose
// wire representation isn't a plain integer (grounded on
// base.py's Attribute xlate tuple).
type Translator struct {
	Decode func(raw int64) interface{}
	Encode func(value interface{}) int64
}

// Endianness selects the byte order of an attribute's wire field. The zero
// value is LittleEndian, matching every Attribute(...) call in
// original_source except the gyro calibration offsets, which are packed
// big-endian ("> h").
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

func (e Endianness) byteOrder() binary.ByteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Attribute describes one bit field within a sensor configuration page
//: page number, byte offset, field width, and optional
// bit mask/shift, enum value map, and translator for non-integer fields.
type Attribute struct {
	Page       int
	Offset     int
	Width      int // 1, 2, 4 or 8 bytes
	Endianness Endianness

	Mask  uint64 // 0 means "the whole field"
	Shift uint

	// ValueMap, if set, maps the raw (masked/shifted) integer to an
	// enumerated value on Get, and reverses the mapping on Set.
	ValueMap map[int64]string

	// Translator, if set, converts between the raw integer and an
	// application-level value. It takes precedence over ValueMap: when both
	// are set, ValueMap is ignored.
	Translator *Translator
}

func (a *Attribute) readRaw(dev *Device, sensorID int) (int64, error) {
	field, err := dev.GetDataField(sensorID, a.Page, a.Offset, a.Width)
	if err != nil {
		return 0, err
	}
	order := a.Endianness.byteOrder()
	var v uint64
	switch a.Width {
	case 1:
		v = uint64(field[0])
	case 2:
		v = uint64(order.Uint16(field))
	case 4:
		v = uint64(order.Uint32(field))
	case 8:
		v = order.Uint64(field)
	default:
		return 0, fmt.Errorf("device: unsupported attribute width %d", a.Width)
	}
	raw := int64(v)
	if a.Shift != 0 {
		raw >>= a.Shift
	}
	if a.Mask != 0 {
		raw &= int64(a.Mask)
	}
	return raw, nil
}

// Get decodes this attribute's current value for sensorID.
func (a *Attribute) Get(dev *Device, sensorID int) (interface{}, error) {
	raw, err := a.readRaw(dev, sensorID)
	if err != nil {
		return nil, err
	}
	if a.Translator != nil {
		return a.Translator.Decode(raw), nil
	}
	if a.ValueMap != nil {
		if s, ok := a.ValueMap[raw]; ok {
			return s, nil
		}
		return nil, fmt.Errorf("device: attribute value %d has no enum mapping", raw)
	}
	return raw, nil
}

// Set encodes value and writes it into this attribute's bit field,
// leaving the rest of the containing field untouched.
func (a *Attribute) Set(dev *Device, sensorID int, value interface{}) error {
	var raw int64
	switch {
	case a.Translator != nil:
		raw = a.Translator.Encode(value)
	case a.ValueMap != nil:
		found := false
		for k, v := range a.ValueMap {
			if v == value {
				raw, found = k, true
				break
			}
		}
		if !found {
			return fmt.Errorf("device: value %v not found in attribute value map", value)
		}
	default:
		n, ok := toInt64(value)
		if !ok {
			return fmt.Errorf("device: cannot interpret %v as an integer attribute", value)
		}
		raw = n
	}

	old, err := a.readFullField(dev, sensorID)
	if err != nil {
		return err
	}
	mask := a.Mask
	if mask == 0 {
		mask = ^uint64(0) >> (64 - 8*uint(a.Width))
	}
	cleared := old &^ (mask << a.Shift)
	updated := cleared | ((uint64(raw) & mask) << a.Shift)

	order := a.Endianness.byteOrder()
	buf := make([]byte, a.Width)
	switch a.Width {
	case 1:
		buf[0] = byte(updated)
	case 2:
		order.PutUint16(buf, uint16(updated))
	case 4:
		order.PutUint32(buf, uint32(updated))
	case 8:
		order.PutUint64(buf, updated)
	default:
		return fmt.Errorf("device: unsupported attribute width %d", a.Width)
	}
	return dev.SetDataField(sensorID, a.Page, a.Offset, buf)
}

func (a *Attribute) readFullField(dev *Device, sensorID int) (uint64, error) {
	field, err := dev.GetDataField(sensorID, a.Page, a.Offset, a.Width)
	if err != nil {
		return 0, err
	}
	order := a.Endianness.byteOrder()
	switch a.Width {
	case 1:
		return uint64(field[0]), nil
	case 2:
		return uint64(order.Uint16(field)), nil
	case 4:
		return uint64(order.Uint32(field)), nil
	case 8:
		return order.Uint64(field), nil
	default:
		return 0, fmt.Errorf("device: unsupported attribute width %d", a.Width)
	}
}

func toInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint8:
		return int64(v), true
	default:
		return 0, false
	}
}
