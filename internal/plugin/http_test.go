package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTP_ExecuteReturnsResultOnAnyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bearer-token", r.Header.Get("Authorization"))
		w.Header().Set("X-Served-By", "stub")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer srv.Close()

	h := NewHTTP(5 * time.Second)
	task, err := json.Marshal(httpTask{
		Method:  "GET",
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "bearer-token"},
	})
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), task)
	require.NoError(t, err, "an HTTP 500 is a valid result, not a plugin error")

	var got httpResult
	require.NoError(t, json.Unmarshal(result, &got))
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	assert.Equal(t, "stub", got.Headers["X-Served-By"])
	assert.JSONEq(t, `{"message":"boom"}`, string(got.Body))
}

func TestHTTP_NonJSONBodyIsEncodedAsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	h := NewHTTP(5 * time.Second)
	task, err := json.Marshal(httpTask{URL: srv.URL})
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), task)
	require.NoError(t, err)

	var got httpResult
	require.NoError(t, json.Unmarshal(result, &got))
	assert.JSONEq(t, `"plain text"`, string(got.Body))
}

func TestHTTP_DefaultsMethodToGet(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer srv.Close()

	h := NewHTTP(5 * time.Second)
	task, err := json.Marshal(httpTask{URL: srv.URL})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, gotMethod)
}

func TestHTTP_MissingURLIsFatal(t *testing.T) {
	h := NewHTTP(5 * time.Second)
	task, err := json.Marshal(httpTask{})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), task)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestHTTP_TransportFailureIsRetryable(t *testing.T) {
	h := NewHTTP(5 * time.Second)
	task, err := json.Marshal(httpTask{URL: "http://127.0.0.1:0"})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), task)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}
