package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiPrefix = "/api/v1/linsight"

// apiClient wraps the workbench HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *apiClient) client() *http.Client {
	if c.http != nil {
		return c.http
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (c *apiClient) newRequest(method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error creating JSON payload: %w", err)
		}
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.base, "/")+apiPrefix+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends a JSON request and decodes the JSON response into out.
func (c *apiClient) do(method, path string, body, out interface{}) error {
	req, err := c.newRequest(method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&e)
	if e.Kind != "" {
		return fmt.Errorf("request failed (%d %s): %s", resp.StatusCode, e.Kind, e.Error)
	}
	return fmt.Errorf("request failed (%d): %s", resp.StatusCode, e.Error)
}

// sseEvent is one server-sent event.
type sseEvent struct {
	Name string
	Data string
}

// stream posts body and calls fn for every server-sent event until the body ends or fn returns false.
func (c *apiClient) stream(path string, body interface{}, fn func(sseEvent) bool) error {
	req, err := c.newRequest(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// the stream stays open while the model generates
	resp, err := (&http.Client{Transport: c.client().Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp)
	}
	return readSSE(resp.Body, fn)
}

func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var evt sseEvent
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if evt.Name == "" && len(data) == 0 {
				continue
			}
			evt.Data = strings.Join(data, "\n")
			if !fn(evt) {
				return nil
			}
			evt, data = sseEvent{}, nil
		case strings.HasPrefix(line, "event:"):
			evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

// streamURL builds the websocket URL of the task message stream.
func (c *apiClient) streamURL(versionID string, from int64) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.base, "/") + apiPrefix + "/workbench/task-message-stream")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	q.Set("session_version_id", versionID)
	q.Set("from_offset", fmt.Sprint(from))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
