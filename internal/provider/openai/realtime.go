package openai

import (
	"net/http"
	"net/url"
	"strings"
)

// RealtimeHeader builds the handshake headers for a realtime websocket.
// Azure deployments authenticate with an api-key header; everything else
// uses a bearer token and the realtime beta opt-in.
func RealtimeHeader(apiKey string, azure bool) http.Header {
	h := http.Header{}
	if azure {
		if apiKey != "" {
			h.Set("api-key", apiKey)
		}
		return h
	}
	if apiKey != "" {
		h.Set("Authorization", "Bearer "+apiKey)
	}
	h.Set("OpenAI-Beta", "realtime=v1")
	return h
}

// RealtimeURL derives the websocket endpoint for model from an HTTP base URL.
// An explicit ws:// or wss:// URL is returned unchanged.
func RealtimeURL(base, model string) string {
	base = strings.TrimSpace(base)
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		return base
	}
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return base
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path += "/realtime"
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String()
}
