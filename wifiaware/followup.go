package wifiaware

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Follow-up message kinds
const (
	SessionRequest  = "session_request"
	SessionAccepted = "session_accepted"
)

// FollowUp is a discovery session message. On air it is a protobuf
// google.protobuf.Struct.
type FollowUp struct {
	Type    string
	Address string // sender's device address
	Port    int    // publisher data path port (accepted only)
}

// EncodeFollowUp serializes a follow-up message
func EncodeFollowUp(f FollowUp) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"type":    f.Type,
		"address": f.Address,
		"port":    f.Port,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DecodeFollowUp parses a follow-up message
func DecodeFollowUp(data []byte) (FollowUp, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return FollowUp{}, fmt.Errorf("follow-up: %w", err)
	}
	fields := s.GetFields()
	f := FollowUp{
		Type:    fields["type"].GetStringValue(),
		Address: fields["address"].GetStringValue(),
		Port:    int(fields["port"].GetNumberValue()),
	}
	if f.Type == "" {
		return FollowUp{}, fmt.Errorf("follow-up: missing type")
	}
	return f, nil
}

// followUpStruct is used for logging
func followUpStruct(data []byte) *structpb.Struct {
	var s structpb.Struct
	if proto.Unmarshal(data, &s) != nil {
		return nil
	}
	return &s
}
