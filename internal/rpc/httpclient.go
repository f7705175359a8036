package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/cbf-coordinator/internal/logging"
)

// HTTPClient talks to one resource over its HTTP control endpoint:
//
//	GET  {base}/attributes/{name}   synchronous attribute read
//	PUT  {base}/attributes/{name}   synchronous attribute write
//	POST {base}/commands/{name}     asynchronous command, returns correlation ID
//	WS   {base}/events              change-notification stream
type HTTPClient struct {
	base   string
	hc     *http.Client
	dialer *websocket.Dialer
	log    logging.Logger

	mu     sync.Mutex
	nextID int
}

// NewHTTPClient builds a client for the resource rooted at base, e.g.
// "http://fsp-03.cbf.local:8080". A nil httpClient falls back to a client
// with a conservative request timeout.
func NewHTTPClient(base string, httpClient *http.Client, log logging.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &HTTPClient{
		base:   strings.TrimRight(base, "/"),
		hc:     httpClient,
		dialer: websocket.DefaultDialer,
		log:    log,
	}
}

type commandResponse struct {
	Status    CallStatus `json:"status"`
	CommandID string     `json:"command_id"`
	Message   string     `json:"message,omitempty"`
}

type wireEvent struct {
	Type      string          `json:"type"` // "command_result" or "attribute_change"
	CommandID string          `json:"command_id,omitempty"`
	Status    ResultStatus    `json:"status,omitempty"`
	Attribute string          `json:"attribute,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func (c *HTTPClient) ReadAttribute(ctx context.Context, name string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/attributes/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnreachable, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: read %s: status %d", ErrBadResponse, name, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBadResponse, name, err)
	}
	return json.RawMessage(body), nil
}

func (c *HTTPClient) WriteAttribute(ctx context.Context, name string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+"/attributes/"+url.PathEscape(name), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnreachable, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: write %s: status %d", ErrBadResponse, name, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) Invoke(ctx context.Context, command string, arg json.RawMessage) (CallStatus, CorrelationID, error) {
	if arg == nil {
		arg = json.RawMessage("null")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/commands/"+url.PathEscape(command), bytes.NewReader(arg))
	if err != nil {
		return CallFailed, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return CallFailed, "", fmt.Errorf("%w: invoke %s: %v", ErrUnreachable, command, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return CallFailed, "", fmt.Errorf("%w: invoke %s: status %d", ErrBadResponse, command, resp.StatusCode)
	}
	var cr commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return CallFailed, "", fmt.Errorf("%w: invoke %s: %v", ErrBadResponse, command, err)
	}
	switch cr.Status {
	case CallOK, CallQueued, CallRejected, CallFailed:
	default:
		return CallFailed, "", fmt.Errorf("%w: invoke %s: unknown status %q", ErrBadResponse, command, cr.Status)
	}
	return cr.Status, CorrelationID(cr.CommandID), nil
}

// Subscribe opens the resource's event stream and pumps decoded events into
// handler until cancelled or the stream breaks.
func (c *HTTPClient) Subscribe(ctx context.Context, handler EventHandler) (func(), error) {
	wsURL, err := c.eventsURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", ErrUnreachable, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var ev wireEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Warn(ctx, "event stream closed", logging.String("endpoint", c.base), logging.Err(err))
				}
				return
			}
			handler(decodeWireEvent(ev))
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			<-done
		})
	}
	return cancel, nil
}

func (c *HTTPClient) eventsURL() (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("%w: bad endpoint %q", ErrBadResponse, c.base)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/events"
	return u.String(), nil
}

func decodeWireEvent(ev wireEvent) Event {
	if ev.Type == "attribute_change" {
		return Event{
			Kind:      EventAttributeChange,
			Attribute: ev.Attribute,
			Payload:   ev.Payload,
			Message:   ev.Message,
		}
	}
	return Event{
		Kind:          EventCommandResult,
		CorrelationID: CorrelationID(ev.CommandID),
		Status:        ev.Status,
		Payload:       ev.Payload,
		Message:       ev.Message,
	}
}
