package streda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dataAPIStub serves the data API routes and auto-passes the token chain.
func dataAPIStub(t *testing.T, routes map[string]http.HandlerFunc) *Client {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id_token": "id", "refresh_token": "r2"})
	}))
	t.Cleanup(tokenSrv.Close)

	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "api", "expiresInSeconds": 86400})
	}))
	t.Cleanup(authSrv.Close)

	dataSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := routes[r.URL.Path]; ok {
			h(w, r)
			return
		}
		// Location check from VerifyAccess and anything unhandled.
		if strings.HasPrefix(r.URL.Path, "/Location/") {
			w.Write([]byte(`{}`))
			return
		}
		t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(dataSrv.Close)

	return NewClient("refresh-1", "loc-1", testLogger(),
		WithEndpoints(tokenSrv.URL, authSrv.URL, dataSrv.URL, dataSrv.URL+"/negotiate"))
}

func TestDeviceStatesSeedsTokenChain(t *testing.T) {
	c := dataAPIStub(t, map[string]http.HandlerFunc{
		"/DeviceState/loc-1/deviceStates": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer api", r.Header.Get("Authorization"))
			w.Write([]byte(`[{"zigbeeId":"z1","devices":[]}]`))
		},
	})

	snapIns, err := c.DeviceStates(context.Background())
	require.NoError(t, err)
	require.Len(t, snapIns, 1)
	assert.Equal(t, "z1", snapIns[0].ZigbeeID)
	assert.True(t, c.Valid(), "first fetch must leave a seeded token chain")
}

func TestDiscoverSystem(t *testing.T) {
	rooms := []map[string]string{
		{"id": "room-1", "name": "Kitchen"},
		{"id": "room-2", "name": "Hall"},
	}
	c := dataAPIStub(t, map[string]http.HandlerFunc{
		"/Room/loc-1/getRooms": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(rooms)
		},
		"/Dock/loc-1/room-1/getDocks": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"id":"d1","zigbeeId":"z1","dockCode":"BN1-C","number":7}]`))
		},
		"/Dock/loc-1/room-2/getDocks": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[]`))
		},
	})

	topo, err := c.DiscoverSystem(context.Background())
	require.NoError(t, err)
	require.Len(t, topo, 2)

	// Room order matches the room list regardless of fetch completion order.
	assert.Equal(t, "Kitchen", topo[0].Name)
	assert.Equal(t, "Hall", topo[1].Name)
	require.Len(t, topo[0].Docks, 1)
	assert.Equal(t, "z1", topo[0].Docks[0].ZigbeeID)
	assert.Equal(t, 7, topo[0].Docks[0].Number)
	assert.Empty(t, topo[1].Docks)
}

func TestDiscoverSystemFailsOnAnyRoom(t *testing.T) {
	rooms := []map[string]string{
		{"id": "room-1", "name": "Kitchen"},
		{"id": "room-2", "name": "Hall"},
	}
	c := dataAPIStub(t, map[string]http.HandlerFunc{
		"/Room/loc-1/getRooms": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(rooms)
		},
		"/Dock/loc-1/room-1/getDocks": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[]`))
		},
		"/Dock/loc-1/room-2/getDocks": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	})

	topo, err := c.DiscoverSystem(context.Background())
	require.Error(t, err)
	assert.Nil(t, topo, "partial topology must not be returned")
	assert.Contains(t, err.Error(), "room-2")
}

func TestToggleDevicePayload(t *testing.T) {
	var got map[string]any
	c := dataAPIStub(t, map[string]http.HandlerFunc{
		"/DeviceState/loc-1/deviceState": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte(`{}`))
		},
	})

	require.NoError(t, c.ToggleDevice(context.Background(), 42, 3))

	assert.Equal(t, "ActionSwitch", got["action"])
	params, ok := got["actionParameters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "TOGGLE", params["switchAction"])
	target, ok := got["targetDevice"].(map[string]any)
	require.True(t, ok)
	// The device number is numeric, the dock number a string.
	assert.Equal(t, float64(3), target["deviceNumber"])
	assert.Equal(t, "42", target["dockNumber"])
}

func TestToggleDeviceErrorStatus(t *testing.T) {
	c := dataAPIStub(t, map[string]http.HandlerFunc{
		"/DeviceState/loc-1/deviceState": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		},
	})

	err := c.ToggleDevice(context.Background(), 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprint(http.StatusBadGateway))
}
