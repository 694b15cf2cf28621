/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router.
It is perfectly suited for unit tests, and can also talk to a remote
service when created with NewWithURL.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/agrisense-io/agrisense/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client with a bearer token added
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithSuperuserAuthorization returns a new client with superuser authorization
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithSuperuserAuthorization() Client {
	auth := access.Authorization{Superuser: true}
	if c.auth != nil {
		auth = *c.auth
		auth.Superuser = true
	}
	return c.WithAuthorization(&auth)
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the client's request context, with the client's
// authorization added to it
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

func (c Client) do(method, path string, header map[string]string, body []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, _ := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	for key, value := range header {
		r.Header.Add(key, value)
	}
	if r.Header.Get("Content-Type") == "" && body != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}

	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, resBody, nil
}

func unmarshalResult(resBody []byte, result interface{}) error {
	if resBody == nil || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func statusError(status, want int, resBody []byte) error {
	return fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
		status, want, strings.TrimSpace(string(resBody)))
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, resBody, err := c.do(http.MethodGet, path, nil, nil)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK {
		return status, statusError(status, http.StatusOK, resBody)
	}
	return status, unmarshalResult(resBody, result)
}

// RawGetBlobWithHeader gets a binary resource from path. Expects
// http.StatusOK as response, otherwise it will flag an error. Returns
// the actual http status code and the response header.
func (c Client) RawGetBlobWithHeader(path string, blob *[]byte) (int, http.Header, error) {
	status, header, resBody, err := c.do(http.MethodGet, path, nil, nil)
	if err != nil {
		return status, header, err
	}
	if status != http.StatusOK {
		return status, header, statusError(status, http.StatusOK, resBody)
	}
	if blob != nil {
		*blob = resBody
	}
	return status, header, nil
}

// RawPost posts body to path. Expects http.StatusCreated or
// http.StatusOK as response, otherwise it will flag an error. Returns
// the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// body and result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	j, err := asBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(http.MethodPost, path, nil, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return status, statusError(status, http.StatusCreated, resBody)
	}
	return status, unmarshalResult(resBody, result)
}

// RawPostMultipart posts a multipart form to path, with one part per
// file under the given field name. Expects http.StatusCreated as
// response, otherwise it will flag an error.
func (c Client) RawPostMultipart(path, field string, files map[string][]byte, result interface{}) (int, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for name, content := range files {
		part, err := writer.CreateFormFile(field, name)
		if err != nil {
			return http.StatusBadRequest, err
		}
		if _, err := part.Write(content); err != nil {
			return http.StatusBadRequest, err
		}
	}
	if err := writer.Close(); err != nil {
		return http.StatusBadRequest, err
	}

	header := map[string]string{"Content-Type": writer.FormDataContentType()}
	status, _, resBody, err := c.do(http.MethodPost, path, header, buf.Bytes())
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated {
		return status, statusError(status, http.StatusCreated, resBody)
	}
	return status, unmarshalResult(resBody, result)
}

// RawPut puts body to path. Expects http.StatusOK, http.StatusCreated
// or http.StatusNoContent as valid responses, otherwise it will flag an
// error. Returns the actual http status code.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	j, err := asBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(http.MethodPut, path, nil, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return status, statusError(status, http.StatusOK, resBody)
	}
	return status, unmarshalResult(resBody, result)
}

// RawPatch patches body to path. Expects http.StatusOK or
// http.StatusNoContent as valid responses, otherwise it will flag an
// error. Returns the actual http status code.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	j, err := asBytes(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(http.MethodPatch, path, nil, j)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, statusError(status, http.StatusOK, resBody)
	}
	return status, unmarshalResult(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusOK or
// http.StatusNoContent as response, otherwise it will flag an error.
// Returns the actual http status code.
func (c Client) RawDelete(path string) (int, error) {
	status, _, resBody, err := c.do(http.MethodDelete, path, nil, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, statusError(status, http.StatusNoContent, resBody)
	}
	return status, nil
}

func asBytes(body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if j, ok := body.([]byte); ok {
		return j, nil
	}
	return json.Marshal(body)
}
