package records

import (
	"encoding/json"
	"strings"
)

func EncodeRecord(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord reads a persisted or client-supplied record. A missing schema
// is read as version 1; newer schemas are rejected.
func DecodeRecord(data []byte) (*Record, error) {
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, invalid("body", "malformed record: %v", err)
	}
	if rec.Schema == 0 {
		rec.Schema = SchemaVersion
	}
	if rec.Schema > SchemaVersion {
		return nil, invalid("schema", "unsupported schema %d", rec.Schema)
	}
	return rec, nil
}

type CreateRequest struct {
	Kind       Kind        `json:"kind"`
	HostID     string      `json:"hostId"`
	Name       string      `json:"name,omitempty"`
	List       *ListGame   `json:"list,omitempty"`
	Tournament *Tournament `json:"tournament,omitempty"`
}

func ParseCreateRequest(data []byte) (*CreateRequest, error) {
	req := &CreateRequest{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, invalid("body", "malformed create request: %v", err)
	}
	req.HostID = strings.TrimSpace(req.HostID)
	req.Name = strings.TrimSpace(req.Name)
	return req, nil
}

type CreateResponse struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
	Version int64  `json:"version"`
}

func encodeCodeRef(ref CodeRef) ([]byte, error) {
	return json.Marshal(ref)
}

func decodeCodeRef(data []byte) (CodeRef, error) {
	ref := CodeRef{}
	err := json.Unmarshal(data, &ref)
	return ref, err
}

func encodeIDs(ids []string) ([]byte, error) {
	return json.Marshal(nonNil(ids))
}

func decodeIDs(data []byte) ([]string, error) {
	ids := []string{}
	if len(data) == 0 {
		return ids, nil
	}
	err := json.Unmarshal(data, &ids)
	return ids, err
}
