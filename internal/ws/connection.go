package ws

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"parlor/internal/apperr"
	"parlor/internal/metrics"
	"parlor/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type sessionHub interface {
	Register(username string) *Session
	Unregister(s *Session)
	HandleEvent(s *Session, ev models.ClientEvent) *models.ServerEvent
}

// Connection pumps one websocket: inbound events are rate limited and
// dispatched to the hub, outbound events are drained from the session
// queue. Its lifetime is the session's lifetime.
type Connection struct {
	ws         wsConnection
	hub        sessionHub
	sess       *Session
	fromClient chan models.ClientEvent
	errorCh    chan error
	limiter    *rate.Limiter
}

func NewConnection(hub sessionHub, ws wsConnection, username string, eventRate float64, eventBurst int) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		sess:       hub.Register(username),
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
		limiter:    rate.NewLimiter(rate.Limit(eventRate), eventBurst),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Unregister(c.sess)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			if err := c.processClientEvent(ev); err != nil {
				return err
			}
		case ev := <-c.sess.Events():
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-c.sess.Done():
			// Forced disconnect or overflow drop: flush what is queued
			// (the disconnect notice in particular) and stop.
			return c.flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ev models.ClientEvent) error {
	if !c.limiter.Allow() {
		metrics.EventsRejected.Inc()
		return c.ws.WriteJSON(models.ServerEvent{
			Type:   models.ServerEventError,
			Code:   string(apperr.CodeValidation),
			Reason: "too many events, slow down",
		})
	}
	if reply := c.hub.HandleEvent(c.sess, ev); reply != nil {
		return c.ws.WriteJSON(*reply)
	}
	return nil
}

func (c *Connection) flush() error {
	for {
		select {
		case ev := <-c.sess.Events():
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
