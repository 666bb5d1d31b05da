// Package advertising encodes BLE advertising data (AD structures) as
// carried in an ADV_IND payload.
package advertising

import (
	"errors"
	"fmt"
)

// AD Types used by the message service
const (
	ADTypeFlags                      = 0x01
	ADTypeComplete128BitServiceUUIDs = 0x07
	ADTypeShortenedLocalName         = 0x08
	ADTypeCompleteLocalName          = 0x09
)

// Advertising Flags (used in ADTypeFlags)
const (
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

// MaxAdvertisingDataLen is the BLE 4.x advertising data limit
const MaxAdvertisingDataLen = 31

// ErrTooLong is returned when AD structures exceed MaxAdvertisingDataLen
var ErrTooLong = errors.New("advertising: data exceeds 31 bytes")

// ADStructure is one [Length][Type][Data] element
type ADStructure struct {
	Type byte
	Data []byte
}

// Data is the decoded content the scanner cares about
type Data struct {
	LocalName    string
	ServiceUUIDs [][16]byte // little-endian, as on air
	Flags        byte
}

// Encode builds the AD payload: flags, the 128-bit service UUIDs, then the
// local name, shortened to whatever room is left.
func Encode(d Data) ([]byte, error) {
	structures := []ADStructure{{Type: ADTypeFlags, Data: []byte{d.Flags}}}
	if len(d.ServiceUUIDs) > 0 {
		uuids := make([]byte, 0, 16*len(d.ServiceUUIDs))
		for _, u := range d.ServiceUUIDs {
			uuids = append(uuids, u[:]...)
		}
		structures = append(structures, ADStructure{Type: ADTypeComplete128BitServiceUUIDs, Data: uuids})
	}

	used := 0
	for _, s := range structures {
		used += 2 + len(s.Data)
	}
	if used > MaxAdvertisingDataLen {
		return nil, ErrTooLong
	}

	if d.LocalName != "" {
		room := MaxAdvertisingDataLen - used - 2
		switch {
		case room >= len(d.LocalName):
			structures = append(structures, ADStructure{Type: ADTypeCompleteLocalName, Data: []byte(d.LocalName)})
		case room > 0:
			structures = append(structures, ADStructure{Type: ADTypeShortenedLocalName, Data: []byte(d.LocalName[:room])})
		}
	}
	return EncodeADStructures(structures)
}

// Decode parses an AD payload
func Decode(payload []byte) (Data, error) {
	structures, err := DecodeADStructures(payload)
	if err != nil {
		return Data{}, err
	}

	var d Data
	for _, s := range structures {
		switch s.Type {
		case ADTypeFlags:
			if len(s.Data) > 0 {
				d.Flags = s.Data[0]
			}
		case ADTypeComplete128BitServiceUUIDs:
			for off := 0; off+16 <= len(s.Data); off += 16 {
				var u [16]byte
				copy(u[:], s.Data[off:off+16])
				d.ServiceUUIDs = append(d.ServiceUUIDs, u)
			}
		case ADTypeCompleteLocalName, ADTypeShortenedLocalName:
			d.LocalName = string(s.Data)
		}
	}
	return d, nil
}

// HasService reports whether the advertisement lists the given UUID
func (d Data) HasService(u [16]byte) bool {
	for _, s := range d.ServiceUUIDs {
		if s == u {
			return true
		}
	}
	return false
}

// EncodeADStructures serializes AD structures
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var out []byte
	for _, s := range structures {
		if len(s.Data) > 254 {
			return nil, fmt.Errorf("advertising: AD type 0x%02X data too long", s.Type)
		}
		out = append(out, byte(len(s.Data)+1), s.Type)
		out = append(out, s.Data...)
	}
	if len(out) > MaxAdvertisingDataLen {
		return nil, ErrTooLong
	}
	return out, nil
}

// DecodeADStructures parses AD structures; a zero length byte ends the data
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	for off := 0; off < len(data); {
		length := int(data[off])
		if length == 0 {
			break
		}
		if off+1+length > len(data) {
			return nil, fmt.Errorf("advertising: AD structure at offset %d overruns data", off)
		}
		body := make([]byte, length-1)
		copy(body, data[off+2:off+1+length])
		structures = append(structures, ADStructure{Type: data[off+1], Data: body})
		off += 1 + length
	}
	return structures, nil
}
