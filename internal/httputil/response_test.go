package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp["error"]
}

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusBadRequest, "test error")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "test error", decodeError(t, rec))
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "hello", resp["message"])
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		write func(http.ResponseWriter)
		code  int
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "msg") }, http.StatusBadRequest},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "msg") }, http.StatusNotFound},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "msg") }, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "msg", decodeError(t, rec))
		})
	}
}

func TestWriteRendered(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteRendered(rec, "text/html", func(w io.Writer) error {
		_, err := fmt.Fprint(w, "<p>ok</p>")
		return err
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<p>ok</p>", rec.Body.String())

	rec = httptest.NewRecorder()
	WriteRendered(rec, "text/html", func(w io.Writer) error {
		fmt.Fprint(w, "<p>partial")
		return errors.New("boom")
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "render error: boom", decodeError(t, rec))
}

func TestPathInt64(t *testing.T) {
	t.Parallel()

	var got int64
	var ok bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /paths/{id}", func(w http.ResponseWriter, r *http.Request) {
		got, ok = PathInt64(w, r, "id")
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paths/42", nil))
	assert.True(t, ok)
	assert.Equal(t, int64(42), got)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paths/abc", nil))
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid id", decodeError(t, rec))
}

func TestQueryPositiveInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query string
		want  int
		ok    bool
	}{
		{"", 20, true},
		{"?limit=5", 5, true},
		{"?limit=0", 0, false},
		{"?limit=-3", 0, false},
		{"?limit=x", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/runs"+tt.query, nil)
			got, ok := QueryPositiveInt(rec, req, "limit", 20)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			if !tt.ok {
				assert.Equal(t, http.StatusBadRequest, rec.Code)
			}
		})
	}
}
