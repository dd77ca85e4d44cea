package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
)

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 1 << 20

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r *response) ok() bool { return r.status >= 200 && r.status < 300 }

func (r *response) decode(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// snippet returns a short, single-line excerpt of the body for error text.
func (r *response) snippet() string {
	s := strings.TrimSpace(string(r.body))
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}

// call issues one request. body may be nil, an io.Reader, or a value to
// encode as JSON.
func call(ctx context.Context, client httpretry.HTTPDoer, method, url string, body any, set func(*http.Request)) (*response, error) {
	var rdr io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case io.Reader:
		rdr = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if set != nil {
		set(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func equalSecret(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func trimBase(base, def string) string {
	if base == "" {
		return def
	}
	return strings.TrimRight(base, "/")
}

func senderDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}

func fromHeader(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
