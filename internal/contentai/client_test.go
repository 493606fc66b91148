package contentai

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"chatguard/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completion(content string) string {
	escaped := strings.ReplaceAll(content, `"`, `\"`)
	return `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"` + escaped + `"}}]}`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(config.ContentAIConfig{APIKey: "key", BaseURL: srv.URL + "/", Model: "test-model"})
	require.NotNil(t, client)
	return client
}

func TestAnalyzeMessageContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "test-model")
		assert.Contains(t, string(body), "free crypto")
		_, _ = w.Write([]byte(completion(`{"probability":0.93,"reason":"crypto offer"}`)))
	})

	verdict, err := client.AnalyzeMessageContent(context.Background(), "free crypto", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.93, verdict.Probability, 1e-9)
	assert.Equal(t, "crypto offer", verdict.Reason)
}

func TestAnalyzeProfileIsCached(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(completion(`{"probability":0.8,"reason":"dating bait"}`)))
	})
	ctx := context.Background()
	profile := Profile{UserID: 5, Name: "Anna", Bio: "hot pics in my channel"}

	first, err := client.AnalyzeProfile(ctx, profile)
	require.NoError(t, err)
	second, err := client.AnalyzeProfile(ctx, profile)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	client.MarkProfileOK(5)
	cleared, err := client.AnalyzeProfile(ctx, profile)
	require.NoError(t, err)
	assert.Zero(t, cleared.Probability)
}

func TestEmptyProfileSkipsModel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("model must not be called")
	})
	verdict, err := client.AnalyzeProfile(context.Background(), Profile{UserID: 1, Name: "Bob"})
	require.NoError(t, err)
	assert.Zero(t, verdict.Probability)
}

func TestModelErrorIsReturned(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := client.AnalyzeMessageContent(context.Background(), "hello", nil)
	assert.Error(t, err)
}

func TestParseVerdict(t *testing.T) {
	verdict, err := parseVerdict("```json\n{\"probability\": 1.4, \"reason\": \"x\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, 1.0, verdict.Probability)

	_, err = parseVerdict("  ")
	assert.ErrorIs(t, err, errEmptyAnswer)

	_, err = parseVerdict("not json")
	assert.Error(t, err)
}

func TestImageDataURLDownscales(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1024, 256))
	for x := 0; x < 1024; x++ {
		src.Set(x, 10, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))

	url, err := imageDataURL(buf.Bytes())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))

	scaled := downscale(src, maxImageSide)
	assert.Equal(t, 512, scaled.Bounds().Dx())
	assert.Equal(t, 128, scaled.Bounds().Dy())

	_, err = imageDataURL([]byte("not an image"))
	assert.Error(t, err)
}

func TestNewClientUnconfigured(t *testing.T) {
	assert.Nil(t, NewClient(config.ContentAIConfig{}))
}
