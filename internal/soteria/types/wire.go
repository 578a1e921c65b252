package types

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"
)

// Field names used by the protobuf Struct encodings of requests.
const (
	FieldPayload  = "payload"
	FieldReaderID = "reader_id"
)

// VerifyRequestFromStruct reads a request from its protobuf Struct form.
// Missing or non-string fields read as empty.
func VerifyRequestFromStruct(s *structpb.Struct) VerifyRequest {
	f := s.GetFields()
	return VerifyRequest{
		Payload:  f[FieldPayload].GetStringValue(),
		ReaderID: f[FieldReaderID].GetStringValue(),
	}
}

// ToStruct encodes the request as a protobuf Struct.
func (r VerifyRequest) ToStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		FieldPayload: structpb.NewStringValue(r.Payload),
	}
	if r.ReaderID != "" {
		fields[FieldReaderID] = structpb.NewStringValue(r.ReaderID)
	}
	return &structpb.Struct{Fields: fields}
}

// ToStruct encodes the response with the same field names as its JSON form.
func (r VerifyResponse) ToStruct() (*structpb.Struct, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return s, nil
}
