package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/fedround/crypto"
	"github.com/flashbots/fedround/protocol"
)

// ClientConfig configures a device client.
type ClientConfig struct {
	ServerURL  string
	Identity   string
	SigningKey crypto.PrivateKey

	// ServerPublicKey pins the key global models must be signed with.
	// Empty accepts any valid signature.
	ServerPublicKey crypto.PublicKey

	Timeout time.Duration
}

// ResponseError is a non-success response of the round API.
type ResponseError struct {
	Response *protocol.Response
}

func (e *ResponseError) Error() string {
	if e.Response.Reason == "" {
		return string(e.Response.Status)
	}
	return fmt.Sprintf("%s: %s", e.Response.Status, e.Response.Reason)
}

// RetryAt is when the server asked the client to come back.
func (e *ResponseError) RetryAt() time.Time {
	return time.UnixMilli(e.Response.NextRequestTime)
}

// Client talks to the round API on behalf of one device.
type Client struct {
	baseURL    string
	httpClient *http.Client
	identity   string
	signingKey crypto.PrivateKey
	serverKey  crypto.PublicKey
	now        func() time.Time
}

// NewClient creates a device client.
func NewClient(config *ClientConfig) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if config.Identity == "" {
		return nil, errors.New("identity is required")
	}
	if len(config.SigningKey) == 0 {
		return nil, errors.New("signing key is required")
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(config.ServerURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		identity:   config.Identity,
		signingKey: config.SigningKey,
		serverKey:  config.ServerPublicKey,
		now:        time.Now,
	}, nil
}

// SubmitUpdate signs and submits a model update. iteration zero is resolved
// to the iteration currently collecting. Rejections are returned as
// *ResponseError.
func (c *Client) SubmitUpdate(ctx context.Context, iteration uint64, dataSize uint64, features protocol.FeatureMap) (*protocol.Response, error) {
	if iteration == 0 {
		status, err := c.Iteration(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolving iteration: %w", err)
		}
		iteration = status.Iteration
	}

	update := &protocol.ClientUpdate{
		Identity:  c.identity,
		Iteration: iteration,
		DataSize:  dataSize,
		Features:  features,
	}
	if err := update.Sign(c.signingKey, c.now()); err != nil {
		return nil, fmt.Errorf("signing update: %w", err)
	}

	return c.call(ctx, http.MethodPost, "/v1/updateModel", update)
}

// GetModel fetches the latest global model of iteration minIteration or newer
// and verifies the server signature.
func (c *Client) GetModel(ctx context.Context, minIteration uint64) (*protocol.GlobalModel, error) {
	resp, err := c.call(ctx, http.MethodPost, "/v1/getModel", &protocol.GetModelRequest{
		Identity:  c.identity,
		Iteration: minIteration,
	})
	if err != nil {
		return nil, err
	}
	if resp.Model == nil {
		return nil, errors.New("response carries no model")
	}

	model, signer, err := resp.Model.Recover()
	if err != nil {
		return nil, fmt.Errorf("verifying model: %w", err)
	}
	if len(c.serverKey) > 0 && !signer.Equal(c.serverKey) {
		return nil, fmt.Errorf("model signed by unexpected key %s", signer)
	}
	return model, nil
}

// Iteration returns the iteration currently collecting updates.
func (c *Client) Iteration(ctx context.Context) (*protocol.IterationStatus, error) {
	resp, err := c.call(ctx, http.MethodGet, "/v1/iteration", nil)
	if err != nil {
		return nil, err
	}
	if resp.Round == nil {
		return nil, errors.New("response carries no iteration")
	}
	return resp.Round, nil
}

// Iterations returns the current iteration and the recent history.
func (c *Client) Iterations(ctx context.Context) (*IterationsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/iterations", nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("iterations: status %d: %s", httpResp.StatusCode, bytes.TrimSpace(body))
	}
	return protocol.DecodeMessage[IterationsResponse](httpResp.Body)
}

func (c *Client) call(ctx context.Context, method, path string, payload any) (*protocol.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if !strings.HasPrefix(httpResp.Header.Get("Content-Type"), "application/json") {
		data, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("%s: status %d: %s", path, httpResp.StatusCode, bytes.TrimSpace(data))
	}

	resp, err := protocol.DecodeMessage[protocol.Response](httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", path, err)
	}
	if resp.Code != protocol.CodeSucceed {
		return resp, &ResponseError{Response: resp}
	}
	return resp, nil
}
