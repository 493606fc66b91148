// Package reputation talks to the external spammer database.
package reputation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatguard/internal/httpjson"
)

type Client struct {
	baseURL    string
	banlistURL string
	http       *http.Client
	retry      httpjson.RetryOptions
}

type accountResponse struct {
	OK         bool     `json:"ok"`
	UserID     int64    `json:"user_id"`
	Banned     bool     `json:"banned"`
	Offenses   *int     `json:"offenses"`
	SpamFactor *float64 `json:"spam_factor"`
	Scammer    *bool    `json:"scammer"`
}

func NewClient(baseURL, banlistURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		banlistURL: banlistURL,
		http:       &http.Client{Timeout: timeout},
		retry:      httpjson.OracleRetryOptions(),
	}
}

// IsBanned asks whether the user is a known spammer.
func (c *Client) IsBanned(ctx context.Context, userID int64) (bool, error) {
	endpoint := c.baseURL + "/account?id=" + url.QueryEscape(strconv.FormatInt(userID, 10))
	resp, err := httpjson.WithRetry(ctx, func() (accountResponse, error) {
		var out accountResponse
		err := httpjson.Get(ctx, c.http, endpoint, &out)
		return out, err
	}, c.retry)
	if err != nil {
		return false, fmt.Errorf("reputation lookup %d: %w", userID, err)
	}
	return resp.Banned || (resp.Scammer != nil && *resp.Scammer), nil
}

// FetchBanlist downloads the bulk list of banned user ids.
func (c *Client) FetchBanlist(ctx context.Context) ([]int64, error) {
	if c.banlistURL == "" {
		return nil, nil
	}
	ids, err := httpjson.WithRetry(ctx, func() ([]int64, error) {
		var out []int64
		err := httpjson.Get(ctx, c.http, c.banlistURL, &out)
		return out, err
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("banlist download: %w", err)
	}
	return ids, nil
}
