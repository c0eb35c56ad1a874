package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/ModbusPoller/internal/auth"
	"github.com/KevinKickass/ModbusPoller/internal/config"
	"github.com/KevinKickass/ModbusPoller/internal/modbus"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

func startHub(t *testing.T, authService *auth.AuthService) (*Hub, string) {
	t.Helper()
	hub := NewHub(zap.NewNop(), authService)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if got := hub.GetClientCount(); got != n {
			return poll.Continue("%d clients registered", got)
		}
		return poll.Success()
	}, poll.WithTimeout(2*time.Second))
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	assert.NilError(t, conn.ReadJSON(&msg))
	return msg
}

func TestBroadcastPollResult(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	id := uuid.New()
	hub.Broadcast(NewPollResultMessage(modbus.ResultSet{
		DeviceID:   id,
		DeviceName: "boiler",
		Cycle:      3,
		Rows:       []modbus.Row{{Code: "T1", Value: "21.50"}},
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, msg["type"], string(MessageTypePollResult))
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, data["device_name"], "boiler")
	assert.Equal(t, data["cycle"], float64(3))
}

func TestSubscriptionFilter(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	wanted, other := uuid.New(), uuid.New()
	assert.NilError(t, conn.WriteJSON(clientMessage{Type: "subscribe", Devices: []string{wanted.String()}}))
	ack := readMessage(t, conn)
	assert.Equal(t, ack["type"], "subscribed")
	assert.Equal(t, ack["devices"], float64(1))

	hub.Broadcast(NewSessionStateMessage(other, "other", modbus.StateRunning))
	hub.Broadcast(NewSessionStateMessage(wanted, "wanted", modbus.StateRunning))
	hub.Broadcast(NewSystemStatusMessage(map[string]string{"state": "running"}))

	msg := readMessage(t, conn)
	assert.Equal(t, msg["type"], string(MessageTypeSessionState))
	assert.Equal(t, msg["data"].(map[string]interface{})["device_name"], "wanted")

	msg = readMessage(t, conn)
	assert.Equal(t, msg["type"], string(MessageTypeSystemStatus))
}

func TestAuthRequired(t *testing.T) {
	hash, err := auth.NewPasswordHasher().HashPassword("pw")
	assert.NilError(t, err)
	svc := auth.NewAuthService(config.AuthConfig{
		JWTSecretEnv:   "MBP_WS_TEST_SECRET",
		AccessTokenTTL: time.Minute,
		Users:          []config.UserConfig{{Username: "ann", PasswordHash: hash, Role: "viewer"}},
	}, zap.NewNop())

	hub, url := startHub(t, svc)

	t.Run("rejects non auth first message", func(t *testing.T) {
		conn := dial(t, url)
		assert.NilError(t, conn.WriteJSON(clientMessage{Type: "subscribe"}))
		msg := readMessage(t, conn)
		assert.Equal(t, msg["type"], "auth_failed")
		assert.Equal(t, hub.GetClientCount(), 0)
	})

	t.Run("accepts valid token", func(t *testing.T) {
		token, _, err := svc.LoginUser("ann", "pw", "")
		assert.NilError(t, err)

		conn := dial(t, url)
		assert.NilError(t, conn.WriteJSON(clientMessage{Type: "auth", Token: token}))
		msg := readMessage(t, conn)
		assert.Equal(t, msg["type"], "auth_success")
		waitClients(t, hub, 1)
	})
}

func TestSessionErrorMessage(t *testing.T) {
	id := uuid.New()
	msg := NewSessionErrorMessage(id, "boiler", modbus.ErrNotConnected)
	data, err := json.Marshal(msg)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(data), `"type":"session_error"`))
	assert.Assert(t, !strings.Contains(string(data), "DeviceID"))
	assert.Equal(t, msg.DeviceID, id)
}
