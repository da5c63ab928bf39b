package keyvault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityPassesThrough(t *testing.T) {
	v := Identity{}
	s, err := v.Resolve(context.Background(), "super-secret")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", s)
}

func TestKeyReaderResolvesFromDaemon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"secret":"hunter2"}`))
	}))
	defer srv.Close()

	kr := &KeyReader{BaseURL: srv.URL}
	s, err := kr.Resolve(context.Background(), "snmp-community")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", s)
}

func TestKeyReaderFailsClosedOnDaemonError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such credential"}`))
	}))
	defer srv.Close()

	kr := &KeyReader{BaseURL: srv.URL}
	_, err := kr.Resolve(context.Background(), "missing")
	require.Error(t, err)
}
