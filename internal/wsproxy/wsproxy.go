// Package wsproxy relays WebSocket frames byte-for-byte between an
// authenticated client and the corresponding upstream connection. It
// never inspects frame payloads — it is a thin duplex relay, not a
// message-level protocol the gateway understands.
package wsproxy

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin is deliberately unchecked, consistent with the gateway's
	// wide-open CORS posture for its HTTP routes.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Proxy dials upstreamWSURL and relays frames in both directions until
// either side closes.
type Proxy struct {
	dialer *websocket.Dialer
}

func New() *Proxy {
	return &Proxy{dialer: websocket.DefaultDialer}
}

// UpstreamURL builds the ws(s):// upstream URL from an http(s) base,
// preserving the path and attaching the correlation id as a query
// parameter so the upstream can tie the duplex session back to the same
// request the HTTP pipeline already logged.
func UpstreamURL(baseURL, path, correlationID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := u.Query()
	q.Set("requestId", correlationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Handle dials upstreamURL, upgrades the inbound connection, and relays
// frames until either side disconnects. It returns an error only when the
// upstream dial fails, before anything has been written to w.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, upstreamURL string, upstreamHeader http.Header) error {
	upstream, resp, err := p.dialer.Dial(upstreamURL, upstreamHeader)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer upstream.Close()

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the client with an HTTP error.
		log.Printf("wsproxy: client upgrade failed: %v", err)
		return nil
	}
	defer client.Close()

	errs := make(chan error, 2)
	go relay(client, upstream, errs)
	go relay(upstream, client, errs)

	err = <-errs
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Printf("wsproxy: relay ended: %v", err)
	}
	return nil
}

func relay(src, dst *websocket.Conn, errs chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errs <- err
			return
		}
	}
}
