// Package provider talks to the background-removal prediction API.
//
// A prediction is created with the source image inlined as a data URI. The
// API may answer synchronously or with a pending prediction that is polled
// until it reaches a terminal status. A succeeded prediction carries the
// URL of the result image, which is fetched and returned as bytes.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"item-image-pipeline/internal/failure"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCanceled  = "canceled"

	DefaultMaxResultBytes = 32 << 20
)

type Config struct {
	BaseURL      string
	APIToken     string
	ModelVersion string
	PollInterval time.Duration

	// MaxResultBytes caps the downloaded result image.
	MaxResultBytes int64
}

// Client holds two resty clients: api carries the token and talks to the
// prediction API, results fetches output URLs from whatever host serves them.
type Client struct {
	api          *resty.Client
	results      *resty.Client
	version      string
	pollInterval time.Duration
	maxResult    int64
	log          *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	api := resty.New()
	api.SetBaseURL(cfg.BaseURL)
	api.SetAuthToken(cfg.APIToken)
	api.SetHeader("Content-Type", "application/json")

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	maxResult := cfg.MaxResultBytes
	if maxResult <= 0 {
		maxResult = DefaultMaxResultBytes
	}
	return &Client{
		api:          api,
		results:      resty.New(),
		version:      cfg.ModelVersion,
		pollInterval: poll,
		maxResult:    maxResult,
		log:          log,
	}
}

func (c *Client) Close() error {
	return errors.Join(c.api.Close(), c.results.Close())
}

type predictionRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

type predictionInput struct {
	Image string `json:"image"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

func (p *prediction) terminal() bool {
	return p.Status == statusSucceeded || p.Status == statusFailed || p.Status == statusCanceled
}

// outputURL accepts either a single URL or a list whose first entry is the
// result.
func (p *prediction) outputURL() string {
	if len(p.Output) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func (p *prediction) errorText() string {
	if len(p.Error) == 0 || string(p.Error) == "null" {
		return "prediction " + p.Status
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil && s != "" {
		return s
	}
	return string(p.Error)
}

// RemoveBackground returns the background-removed version of img. The
// caller bounds the call with ctx.
func (c *Client) RemoveBackground(ctx context.Context, img []byte) ([]byte, error) {
	const op = "provider.RemoveBackground"

	pred, err := c.create(ctx, img)
	if err != nil {
		return nil, err
	}

	for !pred.terminal() {
		if err := c.wait(ctx); err != nil {
			return nil, transportError(op, err)
		}
		if pred, err = c.get(ctx, pred.ID); err != nil {
			return nil, err
		}
	}

	if pred.Status != statusSucceeded {
		return nil, failure.ProviderFailed(op, errors.New(pred.errorText()))
	}
	url := pred.outputURL()
	if url == "" {
		return nil, failure.ProviderFailed(op, errors.New("prediction succeeded without output"))
	}
	return c.fetch(ctx, url)
}

func (c *Client) create(ctx context.Context, img []byte) (*prediction, error) {
	const op = "provider.create"

	dataURI := "data:" + http.DetectContentType(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
	var pred prediction
	resp, err := c.api.R().
		SetContext(ctx).
		SetHeader("Prefer", "wait").
		SetBody(predictionRequest{Version: c.version, Input: predictionInput{Image: dataURI}}).
		SetResult(&pred).
		Post("/v1/predictions")
	if err := check(op, resp, err); err != nil {
		return nil, err
	}
	c.log.Debug("provider_prediction_created", zap.String("prediction_id", pred.ID), zap.String("status", pred.Status))
	return &pred, nil
}

func (c *Client) get(ctx context.Context, id string) (*prediction, error) {
	const op = "provider.get"

	var pred prediction
	resp, err := c.api.R().
		SetContext(ctx).
		SetResult(&pred).
		Get("/v1/predictions/" + id)
	if err := check(op, resp, err); err != nil {
		return nil, err
	}
	return &pred, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	const op = "provider.fetch"

	resp, err := c.results.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer resp.Body.Close()
	if !resp.IsSuccess() {
		return nil, failure.HTTPStatus(resp.StatusCode(), op, errors.New(resp.Status()))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResult+1))
	if err != nil {
		return nil, transportError(op, err)
	}
	switch {
	case len(body) == 0:
		return nil, failure.ProviderFailed(op, errors.New("empty result image"))
	case int64(len(body)) > c.maxResult:
		return nil, failure.ProviderFailed(op, fmt.Errorf("result image exceeds %d bytes", c.maxResult))
	}
	return body, nil
}

func (c *Client) wait(ctx context.Context) error {
	t := time.NewTimer(c.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return transportError(op, err)
	}
	if !resp.IsSuccess() {
		return failure.HTTPStatus(resp.StatusCode(), op, errors.New(resp.Status()))
	}
	return nil
}

func transportError(op string, err error) error {
	if fe := failure.FromTransport(op, err); fe != nil {
		return fe
	}
	return fmt.Errorf("%s: %w", op, err)
}
