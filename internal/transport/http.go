package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes caps how much of a device's HTTP reply is read.
const maxResponseBytes = 1 << 20

// HTTPAdapter posts each command to the device endpoint and returns the
// response body as the result.
type HTTPAdapter struct {
	client *http.Client
	logger Logger
}

// NewHTTPAdapter creates a synchronous HTTP adapter. A nil client uses a
// client with a 30 second timeout.
func NewHTTPAdapter(client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second} //nolint:mnd // conservative default
	}
	return &HTTPAdapter{client: client, logger: noopLogger{}}
}

// SetLogger sets the adapter logger.
func (a *HTTPAdapter) SetLogger(logger Logger) { a.logger = logger }

// Kind returns KindSynchronous.
func (a *HTTPAdapter) Kind() Kind { return KindSynchronous }

// Execute POSTs {command_id, capability, parameters} to the device.
//
// A non-2xx status is an ErrTransport error. A JSON body of the form
// {"success": false, "error": "..."} is returned as a device-reported
// failure. Any other body is returned as Data.
func (a *HTTPAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	msg := newCommandMessage(req)
	msg.Type = ""
	body, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encoding command: %v", ErrTransport, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Connection.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if creds := req.Connection.Credentials; creds != nil && creds.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.logger.Debug("device returned error status",
			"device_id", req.DeviceID,
			"command_id", req.CommandID,
			"status", resp.StatusCode,
		)
		return Result{}, fmt.Errorf("%w: HTTP %d: %s", ErrTransport, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return decodeHTTPResult(raw)
}

func decodeHTTPResult(raw []byte) (Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Result{Success: true}, nil
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return Result{}, fmt.Errorf("%w: invalid JSON response: %v", ErrTransport, err)
	}

	if obj, ok := data.(map[string]any); ok {
		if success, ok := obj["success"].(bool); ok && !success {
			msg, _ := obj["error"].(string) //nolint:errcheck // missing message is fine
			if msg == "" {
				msg = "device reported failure"
			}
			return Result{Success: false, Error: msg, Data: obj}, nil
		}
	}
	return Result{Success: true, Data: data}, nil
}
