package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabOT/backend/internal/store"
)

type staticMembers map[string][]string

func (m staticMembers) Members(_ context.Context, roomID string) ([]string, error) {
	return m[roomID], nil
}

func newRouter(rooms RoomRepo, members MemberLister) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewRoomHandler(rooms, members).Register(r.Group("/api"))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateRoom(t *testing.T) {
	st := store.NewMemoryRoomStore()
	r := newRouter(st, staticMembers{})

	cases := []struct {
		name     string
		body     string
		wantName string
	}{
		{"named", `{"name":"Design notes"}`, "Design notes"},
		{"empty name", `{"name":""}`, store.DefaultRoomName},
		{"no body", ``, store.DefaultRoomName},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/rooms", tc.body)
			require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

			var resp struct {
				RoomID string `json:"roomId"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.NotEmpty(t, resp.RoomID)

			room, err := st.GetRoom(context.Background(), resp.RoomID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantName, room.Name)
			assert.Equal(t, "", room.Content)
			assert.Equal(t, uint64(0), room.Version)
		})
	}
}

func TestCreateRoom_BadBody(t *testing.T) {
	r := newRouter(store.NewMemoryRoomStore(), staticMembers{})
	w := do(r, http.MethodPost, "/api/rooms", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/rooms", `{"name":"`+strings.Repeat("x", 300)+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetRoom(t *testing.T) {
	st := store.NewMemoryRoomStore()
	room, err := st.CreateRoom(context.Background(), "r")
	require.NoError(t, err)
	require.NoError(t, st.PutRoom(context.Background(), room.ID, "hello", 3))
	r := newRouter(st, staticMembers{})

	w := do(r, http.MethodGet, "/api/rooms/"+room.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got store.Room
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, uint64(3), got.Version)

	w = do(r, http.MethodGet, "/api/rooms/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMembers(t *testing.T) {
	st := store.NewMemoryRoomStore()
	room, err := st.CreateRoom(context.Background(), "")
	require.NoError(t, err)
	empty, err := st.CreateRoom(context.Background(), "")
	require.NoError(t, err)
	r := newRouter(st, staticMembers{room.ID: {"c1", "c2"}})

	w := do(r, http.MethodGet, "/api/rooms/"+room.ID+"/members", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"roomId":"`+room.ID+`","members":["c1","c2"]}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/rooms/"+empty.ID+"/members", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"roomId":"`+empty.ID+`","members":[]}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/rooms/missing/members", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
