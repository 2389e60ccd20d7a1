package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/petrijr/boardflow/pkg/api"
)

// SecretStore resolves secret names on the host.
type SecretStore interface {
	Secret(ctx context.Context, name string) (string, error)
}

// ErrSecretNotFound is returned for unknown secrets.
var ErrSecretNotFound = errors.New("secret not found")

// EnvSecrets reads secrets from environment variables, optionally prefixed.
type EnvSecrets struct {
	Prefix string
}

func (e EnvSecrets) Secret(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(e.Prefix + name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// StaticSecrets serves a fixed set of secrets.
type StaticSecrets map[string]string

func (s StaticSecrets) Secret(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

// SecretsHandler implements the secrets node type: for inputs
// {"keys": ["A", "B"]} it outputs {"A": ..., "B": ...}.
func SecretsHandler(store SecretStore) api.NodeHandler {
	return api.HandlerFunc(func(ctx context.Context, inputs api.InputValues, _ *api.NodeContext) (api.OutputValues, error) {
		keys, err := stringList(inputs["keys"])
		if err != nil {
			return nil, err
		}
		out := make(api.OutputValues, len(keys))
		for _, k := range keys {
			v, err := store.Secret(ctx, k)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	})
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case string:
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("keys must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("keys must be a list of strings, got %T", v)
}

// MaxFetchBody bounds the response body read by FetchHandler.
const MaxFetchBody = 8 << 20

// FetchHandler implements the fetch node type. Inputs: url, method, headers,
// body and raw. JSON responses are decoded unless raw is true.
func FetchHandler(client *http.Client) api.NodeHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return api.HandlerFunc(func(ctx context.Context, inputs api.InputValues, _ *api.NodeContext) (api.OutputValues, error) {
		url, _ := inputs["url"].(string)
		if url == "" {
			return nil, errors.New("fetch: url is required")
		}
		method, _ := inputs["method"].(string)
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if b, ok := inputs["body"]; ok && b != nil {
			if s, ok := b.(string); ok {
				body = strings.NewReader(s)
			} else {
				data, err := json.Marshal(b)
				if err != nil {
					return nil, fmt.Errorf("fetch: encode body: %w", err)
				}
				body = strings.NewReader(string(data))
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if headers, ok := inputs["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprint(v))
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFetchBody))
		if err != nil {
			return nil, fmt.Errorf("fetch: read body: %w", err)
		}

		out := api.OutputValues{"status": resp.StatusCode}
		raw, _ := inputs["raw"].(bool)
		var decoded any
		if !raw && strings.Contains(resp.Header.Get("Content-Type"), "json") && json.Unmarshal(data, &decoded) == nil {
			out["response"] = decoded
		} else {
			out["response"] = string(data)
		}
		if resp.StatusCode >= 400 {
			out[api.PortError] = map[string]any{"message": fmt.Sprintf("fetch: %s returned %d", url, resp.StatusCode), "status": resp.StatusCode}
		}
		return out, nil
	})
}

// HostKit bundles the host capabilities, plus any extra handlers.
func HostKit(secrets SecretStore, client *http.Client, extra map[string]api.NodeHandler) api.Kit {
	handlers := map[string]api.NodeHandler{
		"secrets": SecretsHandler(secrets),
		"fetch":   FetchHandler(client),
	}
	maps.Copy(handlers, extra)
	return api.Kit{Name: "host", Handlers: handlers}
}
