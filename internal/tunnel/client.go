package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"github.com/sirupsen/logrus"
)

const (
	secretHeader = "X-Gateway-Secret"

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Client dials a gateway and serves the streams it opens by forwarding them to
// the local HTTP server, so remote callers can reach processes by handle
// without an inbound port.
type Client struct {
	gatewayURL string
	secret     string
	localAddr  string
	log        *logrus.Entry
}

func NewClient(gatewayURL, secret, localAddr string) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		secret:     secret,
		localAddr:  localAddr,
		log:        logrus.WithField("gateway", gatewayURL),
	}
}

// Run keeps a tunnel open, reconnecting with backoff, until ctx is done.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		connected, err := c.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		c.log.WithError(err).Warnf("tunnel: disconnected, reconnecting in %s", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if !connected {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// connect serves one tunnel session. It reports whether the gateway was
// reached at all.
func (c *Client) connect(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// The gateway commonly runs with a self-signed certificate; the
		// pre-shared secret authenticates the connection.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	header := http.Header{}
	header.Set(secretHeader, c.secret)

	wsConn, _, err := dialer.DialContext(ctx, c.gatewayURL, header)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer wsConn.Close()

	// We are the yamux server: the gateway opens one stream per request.
	session, err := yamux.Server(newWSConn(wsConn), yamux.DefaultConfig())
	if err != nil {
		return true, fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()
	c.log.Info("tunnel: connected")

	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-session.CloseChan():
		}
	}()

	for {
		stream, err := session.Accept()
		if err != nil {
			return true, fmt.Errorf("accept stream: %w", err)
		}
		go c.forward(stream)
	}
}

func (c *Client) forward(stream net.Conn) {
	defer stream.Close()

	local, err := net.Dial("tcp", c.localAddr)
	if err != nil {
		c.log.WithError(err).Warnf("tunnel: dial local %s", c.localAddr)
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		io.Copy(local, stream)
		close(done)
	}()
	io.Copy(stream, local)
	<-done
}
