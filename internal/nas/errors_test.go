package nas

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		name string
		api  string
		code int
		want error
	}{
		{"session timeout", apiList, 106, ErrSessionRejected},
		{"session interrupted", apiList, 107, ErrSessionRejected},
		{"sid not found", apiDownload, 119, ErrSessionRejected},
		{"sid not found on auth", apiAuth, 119, ErrSessionRejected},
		{"bad account", apiAuth, 400, ErrAuthenticationFailed},
		{"otp required", apiAuth, 403, ErrAuthenticationFailed},
		{"auth other", apiAuth, 101, ErrRemote},
		{"no permission", apiList, 105, ErrPermissionDenied},
		{"file not allowed", apiDelete, 407, ErrPermissionDenied},
		{"not found", apiList, 408, ErrNotFound},
		{"exists", apiCreateFolder, 414, ErrAlreadyExists},
		{"busy", apiUpload, 402, ErrTransientUpstream},
		{"unknown", apiList, 599, ErrRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyCode(tt.api, tt.code))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusPartialContent, nil},
		{http.StatusUnauthorized, ErrSessionRejected},
		{http.StatusForbidden, ErrSessionRejected},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrTransientUpstream},
		{http.StatusBadGateway, ErrTransientUpstream},
		{http.StatusServiceUnavailable, ErrTransientUpstream},
		{http.StatusBadRequest, ErrRemote},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStatus(tt.status))
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	withCode := &APIError{API: apiList, Method: "list", Path: "/photos", Code: 408, Err: ErrNotFound}
	assert.Equal(t, "nas: SYNO.FileStation.List.list /photos: error code 408: nas: not found", withCode.Error())

	withStatus := &APIError{API: apiDownload, Method: "download", HTTPStatus: 503, Message: "busy", Err: ErrTransientUpstream}
	assert.Equal(t, "nas: SYNO.FileStation.Download.download: HTTP 503: nas: transient upstream error: busy", withStatus.Error())

	bare := &APIError{API: apiAuth, Method: "login", Err: ErrAuthenticationFailed}
	assert.Equal(t, "nas: SYNO.API.Auth.login: nas: authentication failed", bare.Error())
}

func TestAPIError_Unwrap(t *testing.T) {
	var err error = &APIError{API: apiList, Method: "list", Code: 408, Err: ErrNotFound}

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrPermissionDenied))

	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 408, apiErr.Code)
}

func TestEnvelopeError_EffectiveCode(t *testing.T) {
	e := &envelopeError{Code: 1100}
	assert.Equal(t, 1100, e.effectiveCode())

	e.Errors = append(e.Errors, struct {
		Code int    `json:"code"`
		Path string `json:"path"`
	}{Code: 414, Path: "/x"})
	assert.Equal(t, 414, e.effectiveCode())
}

func TestRequestURL(t *testing.T) {
	r := request{cgi: cgiEntry, api: apiList, version: 2, method: "list"}

	u := r.url("http://nas:5000/", "tok")
	assert.Contains(t, u, "http://nas:5000/webapi/entry.cgi?")
	assert.Contains(t, u, "api=SYNO.FileStation.List")
	assert.Contains(t, u, "_sid=tok")

	assert.NotContains(t, r.url("http://nas:5000", ""), sidParam)
}

func TestRedactURLError(t *testing.T) {
	resp, err := http.Get("http://127.0.0.1:1/webapi/entry.cgi?_sid=supersecret")
	if err == nil {
		resp.Body.Close()
		t.Skip("port 1 unexpectedly accepted a connection")
	}

	assert.NotContains(t, redactURLError(err), "supersecret")
}
