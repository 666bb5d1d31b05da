package att

import "fmt"

// ATT Error Codes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.1.1)
const (
	ErrInvalidHandle               = 0x01
	ErrReadNotPermitted            = 0x02
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrRequestNotSupported         = 0x06
	ErrAttributeNotFound           = 0x0A
	ErrInvalidAttributeValueLength = 0x0D
	ErrUnlikelyError               = 0x0E
	ErrCCCDImproperlyConfigured    = 0xFD
)

var errorNames = map[uint8]string{
	ErrInvalidHandle:               "Invalid Handle",
	ErrReadNotPermitted:            "Read Not Permitted",
	ErrWriteNotPermitted:           "Write Not Permitted",
	ErrInvalidPDU:                  "Invalid PDU",
	ErrRequestNotSupported:         "Request Not Supported",
	ErrAttributeNotFound:           "Attribute Not Found",
	ErrInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ErrUnlikelyError:               "Unlikely Error",
	ErrCCCDImproperlyConfigured:    "CCCD Improperly Configured",
}

// Error is an ATT error carried in an Error Response
type Error struct {
	RequestOpcode uint8
	Handle        uint16
	Code          uint8
}

func (e *Error) Error() string {
	name, ok := errorNames[e.Code]
	if !ok {
		name = fmt.Sprintf("0x%02X", e.Code)
	}
	return fmt.Sprintf("att: %s for %s on handle 0x%04X", name, OpcodeName(e.RequestOpcode), e.Handle)
}

// NewErrorResponse builds the Error Response PDU for a failed request
func NewErrorResponse(requestOpcode uint8, handle uint16, code uint8) *ErrorResponse {
	return &ErrorResponse{RequestOpcode: requestOpcode, Handle: handle, ErrorCode: code}
}

// Err converts an Error Response into a Go error
func (r *ErrorResponse) Err() error {
	return &Error{RequestOpcode: r.RequestOpcode, Handle: r.Handle, Code: r.ErrorCode}
}
