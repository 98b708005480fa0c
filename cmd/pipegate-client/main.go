// Command pipegate-client attaches to a pipegate-server's WebSocket
// control channel and replays each Request Frame against a local origin
// server, one goroutine per frame, echoing
// original_source/pipegate/client.py's `start_server` subcommand (named
// for the *local* HTTP server it fronts, not the gateway).
package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pipegate/pipegate/internal/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		targetPort   int
		serverURL    string
		sharedToken  string
		sharedHeader string
		bearerToken  string
	)

	cmd := &cobra.Command{
		Use:   "pipegate-client",
		Short: "Attach to a pipegate gateway and forward requests to a local origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if targetPort == 0 {
				return fmt.Errorf("--target-port is required")
			}
			if serverURL == "" {
				return fmt.Errorf("--server-url is required")
			}
			c := &client{
				target:       fmt.Sprintf("http://127.0.0.1:%d", targetPort),
				serverURL:    serverURL,
				sharedToken:  sharedToken,
				sharedHeader: sharedHeader,
				bearerToken:  bearerToken,
				logger:       log.New(os.Stderr, "pipegate-client: ", log.LstdFlags),
				http:         &http.Client{Timeout: 60 * time.Second},
			}
			return c.run()
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&targetPort, "target-port", 0, "local origin port to forward requests to")
	flags.StringVar(&serverURL, "server-url", "", "pipegate gateway WebSocket URL, e.g. ws://host/<connection-id>")
	flags.StringVar(&sharedToken, "shared-token", "", "shared secret for shared-token auth mode")
	flags.StringVar(&sharedHeader, "shared-header", "PIPEGATE-CLIENT-TOKEN", "header carrying the shared token")
	flags.StringVar(&bearerToken, "bearer-token", "", "bearer JWT for jwt auth mode")

	return cmd
}

type client struct {
	target       string
	serverURL    string
	sharedToken  string
	sharedHeader string
	bearerToken  string
	logger       *log.Logger
	http         *http.Client

	writeMu sync.Mutex
}

func (c *client) run() error {
	header := make(http.Header)
	if c.sharedToken != "" {
		header.Set(c.sharedHeader, c.sharedToken)
	}
	if c.bearerToken != "" {
		header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	c.logger.Printf("connecting to %s", c.serverURL)
	conn, _, err := websocket.DefaultDialer.Dial(c.serverURL, header)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()
	c.logger.Printf("attached, forwarding to %s", c.target)

	var wg sync.WaitGroup
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			wg.Wait()
			return fmt.Errorf("gateway connection closed: %w", err)
		}

		frame, err := relay.DecodeRequestFrame(message)
		if err != nil {
			c.logger.Printf("malformed request frame: %v", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.forward(conn, frame)
		}()
	}
}

// forward replays frame against the local origin and sends its Response
// Frame back over conn. A transport-level failure (origin unreachable,
// refused, timed out) becomes a 504 Response Frame rather than dropping
// the request, matching client.py's except-and-still-respond behavior.
func (c *client) forward(conn *websocket.Conn, frame *relay.RequestFrame) {
	resp := c.doRequest(frame)
	encoded, err := relay.EncodeFrame(resp)
	if err != nil {
		c.logger.Printf("encoding response frame: %v", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		c.logger.Printf("writing response frame: %v", err)
	}
}

func (c *client) doRequest(frame *relay.RequestFrame) *relay.ResponseFrame {
	targetURL := strings.TrimRight(c.target, "/") + "/" + strings.TrimLeft(frame.URLPath, "/")
	if len(frame.URLQuery) > 0 {
		q := make(url.Values, len(frame.URLQuery))
		for k, v := range frame.URLQuery {
			q[k] = v
		}
		targetURL += "?" + q.Encode()
	}

	req, err := http.NewRequest(string(frame.Method), targetURL, bytes.NewReader(frame.Body))
	if err != nil {
		return gatewayTimeout(frame.CorrelationID)
	}
	for name, value := range frame.Headers {
		if strings.EqualFold(name, relay.CorrelationHeader) {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Printf("origin request failed: %v", err)
		return gatewayTimeout(frame.CorrelationID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayTimeout(frame.CorrelationID)
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[strings.ToLower(name)] = resp.Header.Get(name)
	}

	return &relay.ResponseFrame{
		CorrelationID: frame.CorrelationID,
		StatusCode:    resp.StatusCode,
		Headers:       headers,
		Body:          body,
	}
}

func gatewayTimeout(correlationID string) *relay.ResponseFrame {
	return &relay.ResponseFrame{
		CorrelationID: correlationID,
		StatusCode:    http.StatusGatewayTimeout,
		Headers:       map[string]string{},
		Body:          nil,
	}
}
