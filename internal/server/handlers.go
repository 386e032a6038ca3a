package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/anchal00/nextup/internal/records"
)

type listResponse struct {
	Records []*records.Record `json:"records"`
	Next    string            `json:"next,omitempty"`
}

func kindOf(request *http.Request) (records.Kind, error) {
	return records.ParseKind(mux.Vars(request)["kind"])
}

// parseVersionHeader reads If-Match / If-None-Match. It accepts 3, "3" and
// W/"3"; an absent header or * yields nil.
func parseVersionHeader(value string) (*int64, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "*" {
		return nil, nil
	}
	value = strings.TrimPrefix(value, "W/")
	value = strings.Trim(value, `"`)
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil || v < 0 {
		return nil, &records.ValidationError{Field: "If-Match", Reason: fmt.Sprintf("not a version: %q", value)}
	}
	return &v, nil
}

func etag(version int64) string {
	return strconv.Quote(strconv.FormatInt(version, 10))
}

func setVersionHeaders(writer http.ResponseWriter, version int64) {
	writer.Header().Set("X-Version", strconv.FormatInt(version, 10))
	writer.Header().Set("ETag", etag(version))
}

func (s *Server) CreateRecord(writer http.ResponseWriter, request *http.Request) {
	data, err := s.ReadRequestBody(request)
	if err != nil {
		s.sendResponse(writer, nil, http.StatusBadRequest)
		return
	}
	createRequest, err := records.ParseCreateRequest(data)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	if raw, ok := mux.Vars(request)["kind"]; ok {
		kind, err := records.ParseKind(raw)
		if err != nil {
			s.sendError(writer, err)
			return
		}
		if createRequest.Kind != "" && createRequest.Kind != kind {
			s.sendError(writer, &records.ValidationError{Field: "kind", Reason: "body and path disagree"})
			return
		}
		createRequest.Kind = kind
	}
	s.Logger.Info(fmt.Sprintf("Host %s is creating a new %s", createRequest.HostID, createRequest.Kind))
	rec, err := s.Records.Create(request.Context(), createRequest)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	respBody, err := json.Marshal(records.CreateResponse{ID: rec.ID, Code: rec.Code, Kind: rec.Kind, Version: rec.Version})
	if err != nil {
		s.sendResponse(writer, nil, http.StatusInternalServerError)
		return
	}
	setVersionHeaders(writer, rec.Version)
	s.sendResponse(writer, respBody, http.StatusCreated)
}

// GetRecord answers 304 when If-None-Match already names the stored version.
func (s *Server) GetRecord(writer http.ResponseWriter, request *http.Request) {
	kind, err := kindOf(request)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	rec, err := s.Records.Get(request.Context(), kind, mux.Vars(request)["id"])
	if err != nil {
		s.sendError(writer, err)
		return
	}
	setVersionHeaders(writer, rec.Version)
	if seen, err := parseVersionHeader(request.Header.Get("If-None-Match")); err == nil && seen != nil && *seen == rec.Version {
		s.sendResponse(writer, nil, http.StatusNotModified)
		return
	}
	respBody, err := records.EncodeRecord(rec)
	if err != nil {
		s.sendResponse(writer, nil, http.StatusInternalServerError)
		return
	}
	s.sendResponse(writer, respBody, http.StatusOK)
}

func (s *Server) PutRecord(writer http.ResponseWriter, request *http.Request) {
	kind, err := kindOf(request)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	expected, err := parseVersionHeader(request.Header.Get("If-Match"))
	if err != nil {
		s.sendError(writer, err)
		return
	}
	if expected == nil && s.requireIfMatch {
		s.sendError(writer, errPreconditionRequired)
		return
	}
	data, err := s.ReadRequestBody(request)
	if err != nil {
		s.sendResponse(writer, nil, http.StatusBadRequest)
		return
	}
	rec, err := records.DecodeRecord(data)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	out, err := s.Records.Put(request.Context(), kind, mux.Vars(request)["id"], rec, expected)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	setVersionHeaders(writer, out.Version)
	s.sendResponse(writer, nil, http.StatusNoContent)
}

func (s *Server) DeleteRecord(writer http.ResponseWriter, request *http.Request) {
	kind, err := kindOf(request)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	if err := s.Records.Delete(request.Context(), kind, mux.Vars(request)["id"]); err != nil {
		s.sendError(writer, err)
		return
	}
	s.sendResponse(writer, nil, http.StatusNoContent)
}

// ApplyAction runs one named mutation through the versioned write path and
// returns the new record.
func (s *Server) ApplyAction(writer http.ResponseWriter, request *http.Request) {
	kind, err := kindOf(request)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	expected, err := parseVersionHeader(request.Header.Get("If-Match"))
	if err != nil {
		s.sendError(writer, err)
		return
	}
	data, err := s.ReadRequestBody(request)
	if err != nil {
		s.sendResponse(writer, nil, http.StatusBadRequest)
		return
	}
	action, err := records.ParseAction(data)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	out, err := s.Records.Update(request.Context(), kind, mux.Vars(request)["id"], expected, action.Apply)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	respBody, err := records.EncodeRecord(out)
	if err != nil {
		s.sendResponse(writer, nil, http.StatusInternalServerError)
		return
	}
	setVersionHeaders(writer, out.Version)
	s.sendResponse(writer, respBody, http.StatusOK)
}

func (s *Server) ResolveCode(writer http.ResponseWriter, request *http.Request) {
	ref, err := s.Records.ResolveCode(request.Context(), mux.Vars(request)["code"])
	if err != nil {
		s.sendError(writer, err)
		return
	}
	respBody, _ := json.Marshal(ref)
	s.sendResponse(writer, respBody, http.StatusOK)
}

func (s *Server) ListUserRecords(writer http.ResponseWriter, request *http.Request) {
	out, err := s.Records.ListForUser(request.Context(), strings.TrimSpace(request.URL.Query().Get("userId")))
	if err != nil {
		s.sendError(writer, err)
		return
	}
	respBody, err := json.Marshal(out)
	if err != nil {
		s.sendResponse(writer, nil, http.StatusInternalServerError)
		return
	}
	s.sendResponse(writer, respBody, http.StatusOK)
}

func (s *Server) ListRecords(writer http.ResponseWriter, request *http.Request) {
	kind, err := kindOf(request)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	query := request.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			s.sendError(writer, &records.ValidationError{Field: "limit", Reason: "not a number"})
			return
		}
	}
	page, next, err := s.Records.List(request.Context(), kind, query.Get("cursor"), limit)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	respBody, err := json.Marshal(listResponse{Records: page, Next: next})
	if err != nil {
		s.sendResponse(writer, nil, http.StatusInternalServerError)
		return
	}
	s.sendResponse(writer, respBody, http.StatusOK)
}
