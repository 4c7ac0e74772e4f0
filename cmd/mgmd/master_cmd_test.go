package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostRoleSendsRoleToAdminAPI(t *testing.T) {
	var gotRole string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status/master/role", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRole = body["role"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	adminAddr = srv.Listener.Addr().String()
	require.NoError(t, postRole("master-rw"))
	require.Equal(t, "master-rw", gotRole)
}

func TestPostRoleReturnsErrorOnRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("unknown role"))
	}))
	defer srv.Close()

	adminAddr = srv.Listener.Addr().String()
	require.Error(t, postRole("dictator"))
}
