// Package classifier is the client of the learned spam/ham text classifier
// service.
package classifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chatguard/internal/httpjson"
)

// Result is a classifier answer. Score is the raw margin: positive means spam,
// larger means more certain.
type Result struct {
	IsSpam bool    `json:"is_spam"`
	Score  float64 `json:"score"`
}

type scoreRequest struct {
	Text string `json:"text"`
}

type exampleRequest struct {
	Text   string `json:"text"`
	IsSpam bool   `json:"is_spam"`
}

type Client struct {
	baseURL string
	http    *http.Client
	retry   httpjson.RetryOptions
}

// NewClient returns nil when baseURL is empty.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		retry:   httpjson.OracleRetryOptions(),
	}
}

// Score classifies already normalised text.
func (c *Client) Score(ctx context.Context, text string) (Result, error) {
	result, err := httpjson.WithRetry(ctx, func() (Result, error) {
		var out Result
		err := httpjson.Post(ctx, c.http, c.baseURL+"/api/v1/score", scoreRequest{Text: text}, &out)
		return out, err
	}, c.retry)
	if err != nil {
		return Result{}, fmt.Errorf("classifier score: %w", err)
	}
	return result, nil
}

// AddLabeledExample feeds an operator decision back for future retraining.
func (c *Client) AddLabeledExample(ctx context.Context, text string, isSpam bool) error {
	if err := httpjson.Post(ctx, c.http, c.baseURL+"/api/v1/examples", exampleRequest{Text: text, IsSpam: isSpam}, nil); err != nil {
		return fmt.Errorf("classifier example: %w", err)
	}
	return nil
}
