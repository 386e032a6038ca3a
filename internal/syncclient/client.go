package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/anchal00/nextup/internal/records"
)

const apiPrefix = "/api/v1"

// Client talks to the nextup HTTP API. Error statuses come back as the
// records sentinels so callers can use errors.Is on either side of the wire.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

func (c *Client) recordURL(kind records.Kind, id string) string {
	return fmt.Sprintf("%s%s/records/%s/%s", c.BaseURL, apiPrefix, kind, url.PathEscape(id))
}

// SocketURL is the duplex room endpoint with the scheme switched to ws(s).
func (c *Client) SocketURL(kind records.Kind, id string) string {
	u := fmt.Sprintf("%s%s/room/%s/%s/ws", c.BaseURL, apiPrefix, kind, url.PathEscape(id))
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "ws://" + rest
	}
	return u
}

type apiError struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

func errorOf(response *http.Response) error {
	body, _ := io.ReadAll(response.Body)
	msg := strings.TrimSpace(string(body))
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	var sentinel error
	switch {
	case response.StatusCode == http.StatusBadRequest:
		sentinel = records.ErrValidation
	case response.StatusCode == http.StatusNotFound:
		sentinel = records.ErrNotFound
	case response.StatusCode == http.StatusConflict:
		sentinel = records.ErrCodeCollision
	case response.StatusCode == http.StatusPreconditionFailed:
		sentinel = records.ErrVersionConflict
	case response.StatusCode >= 500:
		sentinel = records.ErrStoreUnavailable
	default:
		return fmt.Errorf("unexpected status %d: %s", response.StatusCode, msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

func (c *Client) do(ctx context.Context, method, target string, body any, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.HTTP.Do(req)
}

func ifMatch(expected *int64) map[string]string {
	if expected == nil {
		return nil
	}
	return map[string]string{"If-Match": strconv.Quote(strconv.FormatInt(*expected, 10))}
}

func decode[T any](response *http.Response) (T, error) {
	var out T
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return out, errorOf(response)
	}
	err := json.NewDecoder(response.Body).Decode(&out)
	return out, err
}

func (c *Client) Create(ctx context.Context, req records.CreateRequest) (records.CreateResponse, error) {
	response, err := c.do(ctx, http.MethodPost, c.BaseURL+apiPrefix+"/records", req, nil)
	if err != nil {
		return records.CreateResponse{}, err
	}
	return decode[records.CreateResponse](response)
}

func (c *Client) Get(ctx context.Context, kind records.Kind, id string) (*records.Record, error) {
	response, err := c.do(ctx, http.MethodGet, c.recordURL(kind, id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decode[*records.Record](response)
}

// Fetch is a conditional read: a 304 for etag comes back as Changed=false.
func (c *Client) Fetch(ctx context.Context, kind records.Kind, id, etag string) (Result, error) {
	var headers map[string]string
	if etag != "" {
		headers = map[string]string{"If-None-Match": etag}
	}
	response, err := c.do(ctx, http.MethodGet, c.recordURL(kind, id), nil, headers)
	if err != nil {
		return Result{}, err
	}
	defer response.Body.Close()
	switch {
	case response.StatusCode == http.StatusNotModified:
		return Result{ETag: etag}, nil
	case response.StatusCode >= 300:
		return Result{}, errorOf(response)
	}
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return Result{}, err
	}
	return Result{Changed: true, ETag: response.Header.Get("ETag"), Payload: payload}, nil
}

// Put replaces the record and returns its new version. A nil expected
// writes unconditionally.
func (c *Client) Put(ctx context.Context, rec *records.Record, expected *int64) (int64, error) {
	response, err := c.do(ctx, http.MethodPut, c.recordURL(rec.Kind, rec.ID), rec, ifMatch(expected))
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return 0, errorOf(response)
	}
	return strconv.ParseInt(response.Header.Get("X-Version"), 10, 64)
}

func (c *Client) Delete(ctx context.Context, kind records.Kind, id string) error {
	response, err := c.do(ctx, http.MethodDelete, c.recordURL(kind, id), nil, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return errorOf(response)
	}
	return nil
}

func (c *Client) ByCode(ctx context.Context, code string) (records.CodeRef, error) {
	response, err := c.do(ctx, http.MethodGet, c.BaseURL+apiPrefix+"/by-code/"+url.PathEscape(code), nil, nil)
	if err != nil {
		return records.CodeRef{}, err
	}
	return decode[records.CodeRef](response)
}

func (c *Client) Action(ctx context.Context, kind records.Kind, id string, action records.Action, expected *int64) (*records.Record, error) {
	response, err := c.do(ctx, http.MethodPost, c.recordURL(kind, id)+"/actions", action, ifMatch(expected))
	if err != nil {
		return nil, err
	}
	return decode[*records.Record](response)
}

// Update reads the record, applies fn and writes it back under If-Match. A
// lost race re-reads and tries once more before giving up.
func (c *Client) Update(ctx context.Context, kind records.Kind, id string, fn func(*records.Record) error) (*records.Record, error) {
	var err error
	for range 2 {
		var rec *records.Record
		rec, err = c.Get(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		expected := rec.Version
		if err = fn(rec); err != nil {
			return nil, err
		}
		var version int64
		version, err = c.Put(ctx, rec, &expected)
		if err == nil {
			rec.Version = version
			return rec, nil
		}
		if !errors.Is(err, records.ErrVersionConflict) {
			return nil, err
		}
	}
	return nil, err
}

// RecordFetcher polls one record for an Engine.
type RecordFetcher struct {
	Client *Client
	Kind   records.Kind
	ID     string
}

func (f RecordFetcher) Fetch(ctx context.Context, etag string) (Result, error) {
	return f.Client.Fetch(ctx, f.Kind, f.ID, etag)
}
