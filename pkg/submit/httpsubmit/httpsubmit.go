// Package httpsubmit delivers queued payloads by POSTing them to an HTTP write
// endpoint.
//
// A 2xx response whose body is a JSON object with a "success" field is
// interpreted as a submit.Result ({"success":false,"error":{"status":409}}).
// Any other 2xx body counts as success. A non-2xx response becomes a failed
// Result carrying the response status. Transport failures return an error with
// no status, which classifies as transient.
package httpsubmit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/tidepool-social/syncqueue/pkg/constants"
	"github.com/tidepool-social/syncqueue/pkg/submit"
)

// maxBody bounds how much of a response body is read.
const maxBody = 1 << 20

// TokenFunc returns the bearer token for a request. An empty token sends no
// Authorization header.
type TokenFunc func(ctx context.Context) (string, error)

type Client struct {
	URL    string
	Header http.Header
	Token  TokenFunc
	HTTP   *http.Client
}

var _ submit.Submitter = (*Client)(nil)

func New(url string) *Client {
	return &Client{
		URL:    url,
		Header: http.Header{},
		HTTP:   &http.Client{Timeout: constants.DefaultSubmitTimeout},
	}
}

func (c *Client) Submit(ctx context.Context, payload json.RawMessage) (submit.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return submit.Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return submit.Result{}, fmt.Errorf("failed to get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return submit.Result{}, fmt.Errorf("failed to post payload: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return submit.Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return submit.Result{Error: &submit.ResultError{
			Status:  resp.StatusCode,
			Message: errorMessage(body, resp.Status),
		}}, nil
	}

	return ParseResult(body), nil
}

// ParseResult interprets a 2xx response body.
func ParseResult(body []byte) submit.Result {
	success, err := jsonparser.GetBoolean(body, "success")
	if err != nil {
		// no structured envelope: the endpoint accepted the write
		return submit.Result{Success: true}
	}
	if success {
		return submit.Result{Success: true}
	}

	res := submit.Result{Error: &submit.ResultError{}}
	if status, err := jsonparser.GetInt(body, "error", "status"); err == nil {
		res.Error.Status = int(status)
	}
	if msg, err := jsonparser.GetString(body, "error", "message"); err == nil {
		res.Error.Message = msg
	}
	return res
}

func errorMessage(body []byte, fallback string) string {
	if msg, err := jsonparser.GetString(body, "error", "message"); err == nil {
		return msg
	}
	if msg, err := jsonparser.GetString(body, "message"); err == nil {
		return msg
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 256 {
		return s
	}
	return fallback
}
