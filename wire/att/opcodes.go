package att

// ATT Opcodes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4).
// Only the subset used by the message service is implemented.
const (
	OpErrorResponse = 0x01

	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	OpReadRequest  = 0x0A
	OpReadResponse = 0x0B

	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13

	// Write Command (no response)
	OpWriteCommand = 0x52

	// Server-initiated
	OpHandleValueNotification = 0x1B
)

// HeaderLen is the opcode plus attribute handle that precede every value in
// writes and notifications; a value chunk may carry at most MTU-HeaderLen bytes
const HeaderLen = 3

var opcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpReadRequest:             "Read Request",
	OpReadResponse:            "Read Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpHandleValueNotification: "Handle Value Notification",
}

// OpcodeName returns a readable opcode name for logs
func OpcodeName(op uint8) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "Unknown"
}
