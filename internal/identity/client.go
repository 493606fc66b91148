// Package identity looks users up in an external membership directory. A user
// known there is trusted without going through the pipeline.
package identity

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatguard/internal/httpjson"

	"golang.org/x/oauth2"
)

type Client struct {
	baseURL string
	http    *http.Client
}

type userResponse struct {
	User *struct {
		FullName string `json:"full_name"`
		Slug     string `json:"slug"`
	} `json:"user"`
}

// NewClient returns nil when no directory is configured.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" || token == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	httpClient.Timeout = timeout
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Lookup returns the member's full name, or "" when the user is unknown.
func (c *Client) Lookup(ctx context.Context, userID int64) (string, error) {
	if c == nil {
		return "", nil
	}
	var out userResponse
	err := httpjson.Get(ctx, c.http, c.baseURL+"/user/by_telegram_id/"+strconv.FormatInt(userID, 10)+".json", &out)
	if httpjson.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if out.User == nil {
		return "", nil
	}
	return out.User.FullName, nil
}
