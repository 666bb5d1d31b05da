// Package gatt holds the attribute table of the message service and the
// per-connection notification subscription state of the GATT server.
package gatt

import "github.com/google/uuid"

// Message service UUIDs
var (
	ServiceUUID        = uuid.MustParse("c07b8cf2-b8ff-4ef4-b4e1-dd8aa2415f81")
	CharacteristicUUID = uuid.MustParse("5e6525b1-4a90-4baf-a4a1-9b4a53641970")
)

// UUIDClientCharacteristicConfig is the 16-bit CCCD descriptor type (0x2902)
const UUIDClientCharacteristicConfig uint16 = 0x2902

// Characteristic Properties (bitmask)
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
)

// Fixed attribute handles of the message service. Both sides of the link
// run the same table, so the client needs no discovery round trip.
const (
	HandleService         uint16 = 0x0001
	HandleCharDeclaration uint16 = 0x0002
	HandleCharValue       uint16 = 0x0003
	HandleCCCD            uint16 = 0x0004
)

// MessageCharProperties are the properties of the message characteristic
const MessageCharProperties = PropRead | PropWrite | PropWriteWithoutResponse | PropNotify

// Attribute is one row of the table
type Attribute struct {
	Handle   uint16
	Type     string
	Writable bool
}

// Table lists the attributes of the message service in handle order
var Table = []Attribute{
	{Handle: HandleService, Type: "primary service " + ServiceUUID.String()},
	{Handle: HandleCharDeclaration, Type: "characteristic " + CharacteristicUUID.String()},
	{Handle: HandleCharValue, Type: "value", Writable: true},
	{Handle: HandleCCCD, Type: "cccd 0x2902", Writable: true},
}

// Lookup returns the attribute at handle
func Lookup(handle uint16) (Attribute, bool) {
	for _, a := range Table {
		if a.Handle == handle {
			return a, true
		}
	}
	return Attribute{}, false
}

// ServiceUUIDBytes returns the 128-bit service UUID in the little-endian
// byte order used on air
func ServiceUUIDBytes() [16]byte {
	var out [16]byte
	for i, b := range ServiceUUID {
		out[15-i] = b
	}
	return out
}
