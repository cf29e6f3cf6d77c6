package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/users", r.URL.Path)
		assert.Equal(t, "1,2", r.URL.Query().Get("ids"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"users":[{"id":1,"name":"ana","profile_photo":"a.jpg"},{"id":2,"name":"bob","profile_photo":""}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	users, err := client.BulkUsers(context.Background(), []int{1, 2})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "ana", users[0].Name)
	assert.Equal(t, "a.jpg", users[0].ProfilePhoto)
}

func TestBulkUsersEmptyInput(t *testing.T) {
	client := NewClient("http://unused", nil)
	users, err := client.BulkUsers(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestGetUserRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"id":7,"name":"carol"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	client.maxElapsed = 5 * time.Second

	user, err := client.GetUser(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "carol", user.Name)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestGetUserNotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)

	_, err := client.GetUser(context.Background(), 404)
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "non-5xx responses must not be retried")
}

func TestUsersByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"users":[{"id":3,"name":"dee"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil)
	byID, err := client.UsersByID(context.Background(), []int{3})
	require.NoError(t, err)
	assert.Equal(t, "dee", byID[3].Name)
}
