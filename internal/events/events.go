// Package events publishes the gateway's observational event stream
// over NATS: request-completion summaries and circuit breaker
// transitions. Publishing never blocks a request and never influences a
// decision — an unreachable broker degrades the publisher to a no-op,
// logged once rather than per request.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const publishDeadline = 2 * time.Second

// GatewayEvent is the envelope published for both event kinds.
type GatewayEvent struct {
	Kind      string                 `json:"kind"`
	Subject   string                 `json:"-"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

const (
	SubjectRequestCompleted    = "gateway.request.completed"
	SubjectBreakerTransitioned = "gateway.breaker.transitioned"
)

// Publisher fires GatewayEvents at NATS on their own goroutine.
type Publisher struct {
	conn *nats.Conn

	warnOnce sync.Once
}

// New wraps conn, which may be nil — a nil connection makes every Publish
// a silent no-op, used when NATS_URL is unset.
func New(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// Publish fires evt asynchronously. Callers never wait on it and never
// see its error.
func (p *Publisher) Publish(evt GatewayEvent) {
	if p == nil || p.conn == nil {
		return
	}

	go func() {
		data, err := json.Marshal(evt)
		if err != nil {
			log.Printf("events: marshal failed for %s: %v", evt.Kind, err)
			return
		}

		msg := &nats.Msg{Subject: evt.Subject, Data: data}
		done := make(chan error, 1)
		go func() { done <- p.conn.PublishMsg(msg) }()

		select {
		case err := <-done:
			if err != nil {
				p.warnOnce.Do(func() {
					log.Printf("events: publish unavailable, degrading to no-op: %v", err)
				})
			}
		case <-time.After(publishDeadline):
			p.warnOnce.Do(func() {
				log.Printf("events: publish exceeded %s deadline, degrading to no-op", publishDeadline)
			})
		}
	}()
}

// RequestCompleted builds the gateway.request.completed event.
func RequestCompleted(requestID, method, path string, status int, elapsed time.Duration, upstream string) GatewayEvent {
	return GatewayEvent{
		Kind:      "request.completed",
		Subject:   SubjectRequestCompleted,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"requestId": requestID,
			"method":    method,
			"path":      path,
			"status":    status,
			"elapsedMs": elapsed.Milliseconds(),
			"upstream":  upstream,
		},
	}
}

// BreakerTransitioned builds the gateway.breaker.transitioned event.
func BreakerTransitioned(upstream, from, to string) GatewayEvent {
	return GatewayEvent{
		Kind:      "breaker.transitioned",
		Subject:   SubjectBreakerTransitioned,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"upstream": upstream,
			"from":     from,
			"to":       to,
		},
	}
}
