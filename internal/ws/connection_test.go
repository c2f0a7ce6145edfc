package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"parlor/internal/models"
)

type mockWS struct {
	readCh      chan models.ClientEvent
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case ev, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = ev
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockSessionHub struct {
	registerCh   chan string
	unregisterCh chan string
	dispatchCh   chan models.ClientEvent
	reply        *models.ServerEvent
	sess         *Session
}

func newMockSessionHub() *mockSessionHub {
	return &mockSessionHub{
		registerCh:   make(chan string, 10),
		unregisterCh: make(chan string, 10),
		dispatchCh:   make(chan models.ClientEvent, 10),
	}
}

func (m *mockSessionHub) Register(username string) *Session {
	m.registerCh <- username
	m.sess = newSession(username, 10)
	return m.sess
}

func (m *mockSessionHub) Unregister(s *Session) {
	m.unregisterCh <- s.Username()
	s.close()
}

func (m *mockSessionHub) HandleEvent(s *Session, ev models.ClientEvent) *models.ServerEvent {
	m.dispatchCh <- ev
	return m.reply
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockSessionHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user1", 100, 100)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	select {
	case username := <-hub.registerCh:
		if username != "user1" {
			t.Errorf("Expected Register with user1, got %s", username)
		}
	default:
		t.Error("Register not called on NewConnection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Client -> Hub
	ws.readCh <- models.ClientEvent{
		Type:    models.ClientEventSendMessage,
		Room:    "#Global",
		Content: "hello",
	}

	select {
	case received := <-hub.dispatchCh:
		if received.Content != "hello" {
			t.Errorf("Hub received wrong content: %v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched event")
	}

	// 2. Hub -> Client, through the session queue
	hub.sess.Deliver(models.ServerEvent{
		Type:    models.ServerEventNewMessage,
		Room:    "#Global",
		Message: &models.Envelope{Content: "hi back"},
	})

	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if ev.Message == nil || ev.Message.Content != "hi back" {
			t.Errorf("WS received wrong content: %v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server event")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case username := <-hub.unregisterCh:
		if username != "user1" {
			t.Errorf("Expected Unregister with user1, got %s", username)
		}
	default:
		t.Error("Unregister not called")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_DirectReply(t *testing.T) {
	hub := newMockSessionHub()
	hub.reply = &models.ServerEvent{
		Type: models.ServerEventMessageHistory,
		Room: "#Global",
	}
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user1", 100, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- models.ClientEvent{Type: models.ClientEventRequestHistory, Room: "#Global"}

	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if ev.Type != models.ServerEventMessageHistory {
			t.Errorf("expected history reply, got %v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Error("direct reply not written back")
	}

	cancel()
	<-done
}

func TestConnection_RateLimit(t *testing.T) {
	hub := newMockSessionHub()
	ws := newMockWS()

	// Burst of 2, essentially no refill within the test window.
	conn := NewConnection(hub, ws, "user1", 0.001, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	for i := 0; i < 3; i++ {
		ws.readCh <- models.ClientEvent{Type: models.ClientEventTyping, Room: "#Global"}
	}

	// First two pass through to the hub.
	for i := 0; i < 2; i++ {
		select {
		case <-hub.dispatchCh:
		case <-time.After(1 * time.Second):
			t.Fatal("event not dispatched")
		}
	}

	// Third is rejected with an error event, not dispatched.
	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if ev.Type != models.ServerEventError {
			t.Errorf("expected error event, got %v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Error("rate limit rejection not written")
	}
	select {
	case ev := <-hub.dispatchCh:
		t.Errorf("rate limited event reached the hub: %v", ev)
	default:
	}

	cancel()
	<-done
}

func TestConnection_ForcedDisconnectFlushes(t *testing.T) {
	hub := newMockSessionHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user1", 100, 100)

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	// Queue the disconnect notice, then kill the session the way the hub
	// does on a ban.
	hub.sess.Deliver(models.ServerEvent{Type: models.ServerEventForceDisconnect, Reason: "banned: spam"})
	hub.sess.close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Handle did not return after session close")
	}

	// The queued notice made it out before shutdown.
	foundNotice := false
	for !foundNotice {
		select {
		case received := <-ws.writeCh:
			if ev, ok := received.(models.ServerEvent); ok && ev.Type == models.ServerEventForceDisconnect {
				foundNotice = true
			}
		default:
			t.Fatal("force disconnect notice was not flushed")
		}
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockSessionHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user2", 100, 100)

	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.closed {
		t.Error("WS Close not called")
	}
}
