package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"parlor/internal/models"
)

const (
	testAPIAddr   = "127.0.0.1:8887"
	testAdminAddr = "127.0.0.1:8888"
)

func TestIntegration(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "integration_test.db")

	t.Setenv("PARLOR_DB", dbFile)
	t.Setenv("API_ADDR", testAPIAddr)
	t.Setenv("ADMIN_ADDR", testAdminAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx, ""); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/api/admin/users", testAdminAddr), 20)

	client := &http.Client{}

	// Step 1: Register two users
	aliceToken := registerUser(t, client, "alice", "alicepassword")
	bobToken := registerUser(t, client, "bob", "bobpassword")
	require.NotEmpty(t, aliceToken)
	require.NotEmpty(t, bobToken)

	// Step 2: Login again works and issues a fresh token
	loginBody, _ := json.Marshal(map[string]string{"username": "alice", "password": "alicepassword"})
	req, _ := http.NewRequest("POST", apiURL("/api/login"), bytes.NewBuffer(loginBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp struct {
		Success bool        `json:"success"`
		Token   string      `json:"token"`
		User    models.User `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.True(t, loginResp.Success)
	require.Equal(t, "alice", loginResp.User.Username)
	aliceToken = loginResp.Token

	// Step 3: Update profile
	profileBody, _ := json.Marshal(map[string]string{
		"nickname":     "Alice",
		"handle":       "wonder",
		"bio":          "first user",
		"avatar_emoji": "🦊",
	})
	req, _ = http.NewRequest("POST", apiURL("/api/profile"), bytes.NewBuffer(profileBody))
	req.Header.Set("token", aliceToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var updated models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	require.Equal(t, "Alice", updated.Nickname)
	require.Equal(t, "wonder", updated.Handle)

	// Taking an already claimed handle fails
	req, _ = http.NewRequest("POST", apiURL("/api/profile"), bytes.NewBuffer(profileBody))
	req.Header.Set("token", bobToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Step 4: Bob connects over websocket
	dialer := websocket.Dialer{}
	header := http.Header{}
	header.Set("token", bobToken)
	wsConn, wsResp, err := dialer.Dial(fmt.Sprintf("ws://%s/api/chat", testAPIAddr), header)
	require.NoError(t, err)
	if wsResp != nil {
		defer func() { _ = wsResp.Body.Close() }()
	}
	defer func() { _ = wsConn.Close() }()

	// Step 5: Alice sends Bob a DM over plain HTTP; Bob receives it on
	// the websocket without having joined the conversation.
	dmRoom := "alice_bob"
	sendBody, _ := json.Marshal(map[string]any{"room": dmRoom, "content": "hello bob"})
	req, _ = http.NewRequest("POST", apiURL("/api/messages"), bytes.NewBuffer(sendBody))
	req.Header.Set("token", aliceToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env models.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Equal(t, "alice", env.SenderUsername)
	require.Equal(t, "Alice", env.SenderNickname)
	require.NotZero(t, env.MessageID)

	got := readEventOfType(t, wsConn, models.ServerEventNewMessage)
	require.NotNil(t, got.Message)
	require.Equal(t, "hello bob", got.Message.Content)

	// Step 6: History over HTTP matches
	req, _ = http.NewRequest("GET", apiURL("/api/messages?room="+dmRoom), nil)
	req.Header.Set("token", bobToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var history struct {
		Room     string            `json:"room"`
		Messages []models.Envelope `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	require.Len(t, history.Messages, 1)
	require.Equal(t, "hello bob", history.Messages[0].Content)

	// Step 7: Bob shows up in Alice's user list with the DM preview
	req, _ = http.NewRequest("GET", apiURL("/api/users"), nil)
	req.Header.Set("token", aliceToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var roster []struct {
		Username    string `json:"username"`
		LastMessage string `json:"last_message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roster))
	require.Len(t, roster, 1)
	require.Equal(t, "bob", roster[0].Username)
	require.Equal(t, "hello bob", roster[0].LastMessage)

	// Step 8: Admin bans Bob; his websocket is cut and his sends bounce
	banBody, _ := json.Marshal(map[string]any{
		"username":         "bob",
		"reason":           "spam",
		"duration_minutes": 60,
	})
	resp, err = http.Post(fmt.Sprintf("http://%s/api/admin/ban", testAdminAddr), "application/json", bytes.NewBuffer(banBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	disconnect := readEventOfType(t, wsConn, models.ServerEventForceDisconnect)
	require.Contains(t, disconnect.Reason, "spam")

	// Banned identity can still log in but not send
	loginBody, _ = json.Marshal(map[string]string{"username": "bob", "password": "bobpassword"})
	req, _ = http.NewRequest("POST", apiURL("/api/login"), bytes.NewBuffer(loginBody))
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	bobToken = loginResp.Token

	sendBody, _ = json.Marshal(map[string]any{"room": dmRoom, "content": "let me back"})
	req, _ = http.NewRequest("POST", apiURL("/api/messages"), bytes.NewBuffer(sendBody))
	req.Header.Set("token", bobToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var banErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&banErr))
	require.Equal(t, "BANNED", banErr.Code)
	require.Equal(t, "spam", banErr.Message)

	// Bob shows up in the admin banned list
	resp, err = http.Get(fmt.Sprintf("http://%s/api/admin/banned_users", testAdminAddr))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var banned []models.Ban
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&banned))
	require.Len(t, banned, 1)
	require.Equal(t, "bob", banned[0].Username)

	// Step 9: Unban restores access
	unbanBody, _ := json.Marshal(map[string]string{"username": "bob"})
	resp, err = http.Post(fmt.Sprintf("http://%s/api/admin/unban", testAdminAddr), "application/json", bytes.NewBuffer(unbanBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("POST", apiURL("/api/messages"), bytes.NewBuffer(sendBody))
	req.Header.Set("token", bobToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Step 10: Groups — create, invite, send
	groupBody, _ := json.Marshal(map[string]string{"name": "book club"})
	req, _ = http.NewRequest("POST", apiURL("/api/groups"), bytes.NewBuffer(groupBody))
	req.Header.Set("token", aliceToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var group models.Group
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&group))
	require.Equal(t, "alice", group.Owner)
	require.NotEmpty(t, group.ID)

	// Bob cannot send before being invited
	groupSend, _ := json.Marshal(map[string]any{"room": group.ID, "content": "am I in?"})
	req, _ = http.NewRequest("POST", apiURL("/api/messages"), bytes.NewBuffer(groupSend))
	req.Header.Set("token", bobToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	inviteBody, _ := json.Marshal(map[string]string{"username": "bob"})
	req, _ = http.NewRequest("POST", apiURL("/api/groups/"+group.ID+"/members"), bytes.NewBuffer(inviteBody))
	req.Header.Set("token", aliceToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("POST", apiURL("/api/messages"), bytes.NewBuffer(groupSend))
	req.Header.Set("token", bobToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Step 11: Logout revokes the token
	req, _ = http.NewRequest("POST", apiURL("/api/logout"), nil)
	req.Header.Set("token", aliceToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest("GET", apiURL("/api/me"), nil)
	req.Header.Set("token", aliceToken)
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func registerUser(t *testing.T, client *http.Client, username, password string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, _ := http.NewRequest("POST", apiURL("/api/register"), bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var regResp struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&regResp))
	require.True(t, regResp.Success)
	return regResp.Token
}

// readEventOfType reads frames until the wanted type shows up, skipping
// interleaved presence and typing traffic.
func readEventOfType(t *testing.T, conn *websocket.Conn, want models.ServerEventType) models.ServerEvent {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev models.ServerEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == want {
			require.NoError(t, conn.SetReadDeadline(time.Time{}))
			return ev
		}
	}
}

func apiURL(path string) string {
	return fmt.Sprintf("http://%s%s", testAPIAddr, path)
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("server did not start in time")
}
