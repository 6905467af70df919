package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestDecodeJSONPopulatesDestination(t *testing.T) {
	request := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"challenge_id":"pwn-101"}`))

	var body requestInstanceRequest
	assert.NilError(t, decodeJSON(request, &body))
	assert.Equal(t, body.ChallengeID, "pwn-101")
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	request := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`not json`))

	var body requestInstanceRequest
	err := decodeJSON(request, &body)
	assert.Assert(t, err != nil)
}

func TestWriteJSONSetsContentTypeAndStatus(t *testing.T) {
	recorder := httptest.NewRecorder()
	writeJSON(recorder, http.StatusCreated, map[string]string{"ok": "true"})

	assert.Equal(t, recorder.Code, http.StatusCreated)
	assert.Equal(t, recorder.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, strings.TrimSpace(recorder.Body.String()), `{"ok":"true"}`)
}
