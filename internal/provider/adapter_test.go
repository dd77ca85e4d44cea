package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

var noRetry = Options{MaxRetries: -1}

func testMessage() *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:        "m1",
		To:        "jane@example.com",
		ToName:    "Jane",
		FromName:  "Acme",
		FromEmail: "news@acme.test",
		ReplyTo:   "support@acme.test",
		Subject:   "Hello Jane",
		HTML:      "<p>Hello</p>",
		Text:      "Hello",
		Metadata:  map[string]string{"campaign_id": "c1"},
	}
}

// =============================================================================
// Factory
// =============================================================================

func TestNewSelectsAdapterByType(t *testing.T) {
	for _, pt := range []domain.ProviderType{
		domain.ProviderSendGrid, domain.ProviderMailgun, domain.ProviderSparkPost,
		domain.ProviderBrevo, domain.ProviderMailchimp, domain.ProviderKlaviyo,
	} {
		a, err := New(domain.Provider{Type: pt, Credentials: domain.Credentials{APIKey: "k"}}, noRetry)
		require.NoError(t, err)
		assert.Equal(t, pt, a.Type())
	}

	a, err := New(domain.Provider{Type: domain.ProviderSES}, Options{SES: &fakeSES{}})
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderSES, a.Type())
	_, ok := a.(SubscriptionConfirmer)
	assert.True(t, ok, "SES confirms SNS subscriptions")

	_, err = New(domain.Provider{Type: "postmark"}, noRetry)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}

// =============================================================================
// SendGrid
// =============================================================================

func TestSendGridSend(t *testing.T) {
	var got sgMail
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sg := NewSendGrid(domain.Credentials{APIKey: "sg-key", BaseURL: srv.URL}, noRetry)
	res, err := sg.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "sg-123", res.MessageID)

	require.Len(t, got.Personalizations, 1)
	assert.Equal(t, "jane@example.com", got.Personalizations[0].To[0].Email)
	assert.Equal(t, "c1", got.Personalizations[0].CustomArgs["campaign_id"])
	require.Len(t, got.Content, 2)
	assert.Equal(t, "text/plain", got.Content[0].Type)
	assert.Equal(t, "support@acme.test", got.ReplyTo.Email)
}

func TestSendGridSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"errors":[{"message":"bad from"}]}`)
	}))
	defer srv.Close()

	sg := NewSendGrid(domain.Credentials{APIKey: "k", BaseURL: srv.URL}, noRetry)
	res, err := sg.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, res.Error, "bad from")
}

func TestSendGridSendWithoutKey(t *testing.T) {
	_, err := NewSendGrid(domain.Credentials{}, noRetry).Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSendGridChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/scopes":
			if r.Header.Get("Authorization") != "Bearer good" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			io.WriteString(w, `{"scopes":["mail.send"]}`)
		case "/verified_senders":
			io.WriteString(w, `{"results":[{"from_email":"news@acme.test","verified":true},{"from_email":"x@acme.test","verified":false}]}`)
		case "/user/credits":
			io.WriteString(w, `{"remain":900,"total":1000,"used":100,"reset_frequency":"monthly"}`)
		}
	}))
	defer srv.Close()

	good := NewSendGrid(domain.Credentials{APIKey: "good", BaseURL: srv.URL}, noRetry)
	bad := NewSendGrid(domain.Credentials{APIKey: "bad", BaseURL: srv.URL}, noRetry)
	ctx := context.Background()

	assert.True(t, good.ValidateCredentials(ctx).OK)
	assert.False(t, bad.ValidateCredentials(ctx).OK)
	assert.True(t, good.VerifySender(ctx, "news@acme.test").OK)
	assert.False(t, good.VerifySender(ctx, "x@acme.test").OK)

	q, err := good.GetQuotaInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.Used)
	assert.Equal(t, int64(1000), q.Limit)
	assert.Equal(t, "monthly", q.Period)
}

func TestSendGridParseWebhook(t *testing.T) {
	payload := []byte(`[
		{"email":"jane@example.com","timestamp":1700000000,"event":"open","sg_event_id":"ev1","sg_message_id":"sg-123.filter0001.1.0"},
		{"email":"jane@example.com","timestamp":1700000100,"event":"click","sg_event_id":"ev2","sg_message_id":"sg-123.filter0001.1.0","url":"https://acme.test/x"}
	]`)
	events, err := NewSendGrid(domain.Credentials{}, noRetry).ParseWebhook(payload, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "open", events[0].NativeType)
	assert.Equal(t, "sg-123", events[0].ProviderMessageID)
	assert.Equal(t, "ev1", events[0].ProviderEventID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), events[0].OccurredAt)
	assert.Equal(t, "https://acme.test/x", events[1].URL)

	_, err = NewSendGrid(domain.Credentials{}, noRetry).ParseWebhook([]byte(`{"not":"an array"}`), nil)
	assert.Error(t, err)
}

func TestSendGridVerifySignature(t *testing.T) {
	payload := []byte(`[{"event":"open"}]`)
	mac := hmac.New(sha256.New, []byte("whk"))
	mac.Write([]byte("1700000000"))
	mac.Write(payload)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sg := NewSendGrid(domain.Credentials{WebhookKey: "whk"}, noRetry)
	h := http.Header{}
	h.Set(sendGridSignatureHeader, sig)
	h.Set(sendGridTimestampHeader, "1700000000")
	assert.True(t, sg.VerifySignature(context.Background(), payload, h))

	h.Set(sendGridTimestampHeader, "1700000001")
	assert.False(t, sg.VerifySignature(context.Background(), payload, h))

	open := NewSendGrid(domain.Credentials{}, noRetry)
	assert.True(t, open.VerifySignature(context.Background(), payload, http.Header{}))
}

// =============================================================================
// Mailgun
// =============================================================================

func TestMailgunSend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mg.acme.test/messages", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "api", user)
		assert.Equal(t, "mg-key", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "Acme <news@acme.test>", r.PostForm.Get("from"))
		assert.Equal(t, "jane@example.com", r.PostForm.Get("to"))
		assert.Equal(t, "c1", r.PostForm.Get("v:campaign_id"))
		io.WriteString(w, `{"id":"<20240315.1@mg.acme.test>","message":"Queued. Thank you."}`)
	}))
	defer srv.Close()

	mg := NewMailgun(domain.Credentials{APIKey: "mg-key", Domain: "mg.acme.test", BaseURL: srv.URL}, noRetry)
	res, err := mg.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "20240315.1@mg.acme.test", res.MessageID)
}

func TestMailgunRegionAndSender(t *testing.T) {
	assert.Equal(t, mailgunEUBaseURL, NewMailgun(domain.Credentials{Region: "EU"}, noRetry).baseURL)
	assert.Equal(t, mailgunBaseURL, NewMailgun(domain.Credentials{}, noRetry).baseURL)

	mg := NewMailgun(domain.Credentials{Domain: "acme.test"}, noRetry)
	assert.True(t, mg.VerifySender(context.Background(), "news@ACME.test").OK)
	assert.False(t, mg.VerifySender(context.Background(), "news@other.test").OK)
}

func TestMailgunValidateCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/domains/missing.test" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, `{"domain":{"name":"acme.test"}}`)
	}))
	defer srv.Close()

	ok := NewMailgun(domain.Credentials{APIKey: "k", Domain: "acme.test", BaseURL: srv.URL}, noRetry)
	missing := NewMailgun(domain.Credentials{APIKey: "k", Domain: "missing.test", BaseURL: srv.URL}, noRetry)
	assert.True(t, ok.ValidateCredentials(context.Background()).OK)
	res := missing.ValidateCredentials(context.Background())
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "not found")
}

func mailgunPayload(t *testing.T, key, event string) []byte {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte("1700000000" + "tok"))
	body := map[string]any{
		"signature": map[string]string{"timestamp": "1700000000", "token": "tok", "signature": hex.EncodeToString(mac.Sum(nil))},
		"event-data": map[string]any{
			"id": "mg-ev-1", "event": event, "recipient": "jane@example.com", "timestamp": 1700000000.5,
			"message": map[string]any{"headers": map[string]string{"message-id": "20240315.1@mg.acme.test"}},
		},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return data
}

func TestMailgunWebhook(t *testing.T) {
	mg := NewMailgun(domain.Credentials{APIKey: "api-key", WebhookKey: "signing-key"}, noRetry)
	payload := mailgunPayload(t, "signing-key", "complained")

	assert.True(t, mg.VerifySignature(context.Background(), payload, nil))
	assert.False(t, mg.VerifySignature(context.Background(), mailgunPayload(t, "api-key", "complained"), nil))

	events, err := mg.ParseWebhook(payload, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "complained", events[0].NativeType)
	assert.Equal(t, "mg-ev-1", events[0].ProviderEventID)
	assert.Equal(t, "20240315.1@mg.acme.test", events[0].ProviderMessageID)
	assert.Equal(t, time.Unix(1700000000, 5e8).UTC(), events[0].OccurredAt)
}

// =============================================================================
// SparkPost
// =============================================================================

func TestSparkPostSendAndQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sp-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/transmissions":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			content := body["content"].(map[string]any)
			assert.Equal(t, "Hello Jane", content["subject"])
			io.WriteString(w, `{"results":{"total_rejected_recipients":0,"total_accepted_recipients":1,"id":"sp-1"}}`)
		case "/account":
			assert.Equal(t, "usage", r.URL.Query().Get("include"))
			io.WriteString(w, `{"results":{"usage":{"day":{"used":5,"limit":100},"month":{"used":50,"limit":3000}}}}`)
		}
	}))
	defer srv.Close()

	sp := NewSparkPost(domain.Credentials{APIKey: "sp-key", BaseURL: srv.URL}, noRetry)
	res, err := sp.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "sp-1", res.MessageID)

	q, err := sp.GetQuotaInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(50), q.Used)
	assert.Equal(t, int64(3000), q.Limit)
	assert.Equal(t, float64(5), q.Details["day_used"])
}

func TestSparkPostParseWebhook(t *testing.T) {
	payload := []byte(`[
		{"msys":{"message_event":{"type":"delivery","event_id":"e1","message_id":"sp-1","rcpt_to":"jane@example.com","timestamp":"1700000000"}}},
		{"msys":{"track_event":{"type":"click","event_id":"e2","message_id":"sp-1","rcpt_to":"jane@example.com","timestamp":"2023-11-14T22:13:20Z","target_link_url":"https://acme.test"}}},
		{"msys":{}}
	]`)
	events, err := NewSparkPost(domain.Credentials{}, noRetry).ParseWebhook(payload, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "delivery", events[0].NativeType)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), events[0].OccurredAt)
	assert.Equal(t, "click", events[1].NativeType)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), events[1].OccurredAt)
	assert.Equal(t, "https://acme.test", events[1].URL)
}

func TestSparkPostVerifySignature(t *testing.T) {
	ctx := context.Background()
	basic := NewSparkPost(domain.Credentials{WebhookKey: "hook:secret"}, noRetry)
	r, _ := http.NewRequest(http.MethodPost, "/", nil)
	r.SetBasicAuth("hook", "secret")
	assert.True(t, basic.VerifySignature(ctx, nil, r.Header))
	r.SetBasicAuth("hook", "wrong")
	assert.False(t, basic.VerifySignature(ctx, nil, r.Header))

	bearer := NewSparkPost(domain.Credentials{WebhookKey: "tok"}, noRetry)
	assert.True(t, bearer.VerifySignature(ctx, nil, http.Header{"Authorization": {"Bearer tok"}}))
	assert.False(t, bearer.VerifySignature(ctx, nil, http.Header{}))
}

// =============================================================================
// Brevo
// =============================================================================

func TestBrevoSendAndSenders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "br-key", r.Header.Get("api-key"))
		switch r.URL.Path {
		case "/smtp/email":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "<p>Hello</p>", body["htmlContent"])
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"messageId":"<202403151030.1@smtp-relay.mailin.fr>"}`)
		case "/senders":
			io.WriteString(w, `{"senders":[{"email":"news@acme.test","active":true}]}`)
		}
	}))
	defer srv.Close()

	br := NewBrevo(domain.Credentials{APIKey: "br-key", BaseURL: srv.URL}, noRetry)
	res, err := br.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "202403151030.1@smtp-relay.mailin.fr", res.MessageID)

	assert.True(t, br.VerifySender(context.Background(), "news@acme.test").OK)
	assert.False(t, br.VerifySender(context.Background(), "other@acme.test").OK)
}

func TestBrevoParseWebhook(t *testing.T) {
	br := NewBrevo(domain.Credentials{}, noRetry)
	single := []byte(`{"event":"unique_opened","email":"jane@example.com","id":42,"date":"2024-03-15 10:30:00","ts_event":1710498600,"message-id":"<abc@relay>"}`)
	events, err := br.ParseWebhook(single, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "unique_opened", events[0].NativeType)
	assert.Equal(t, "abc@relay", events[0].ProviderMessageID)
	assert.Equal(t, time.Unix(1710498600, 0).UTC(), events[0].OccurredAt)
	assert.NotEmpty(t, events[0].ProviderEventID)

	batch := []byte(`[{"event":"hard_bounce","email":"a@x.test","message-id":"m1"},{"event":"click","email":"a@x.test","message-id":"m1","link":"https://x.test"}]`)
	events, err = br.ParseWebhook(batch, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Empty(t, events[0].ProviderEventID, "no ts_event means no stable id")
	assert.Equal(t, "https://x.test", events[1].URL)

	assert.True(t, br.VerifySignature(context.Background(), single, http.Header{}))
	keyed := NewBrevo(domain.Credentials{WebhookKey: "k"}, noRetry)
	assert.False(t, keyed.VerifySignature(context.Background(), single, http.Header{}))
	assert.True(t, keyed.VerifySignature(context.Background(), single, http.Header{"Authorization": {"Bearer k"}}))
}

// =============================================================================
// Mailchimp
// =============================================================================

func TestMailchimpSend(t *testing.T) {
	var got struct {
		Key     string          `json:"key"`
		Message mandrillMessage `json:"message"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/send", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `[{"email":"jane@example.com","status":"queued","_id":"md-1"},{"email":"cc@acme.test","status":"sent","_id":"md-2"}]`)
	}))
	defer srv.Close()

	msg := testMessage()
	msg.CC = []string{"cc@acme.test"}
	mc := NewMailchimp(domain.Credentials{APIKey: "md-key", BaseURL: srv.URL}, noRetry)
	res, err := mc.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "md-1", res.MessageID)

	assert.Equal(t, "md-key", got.Key)
	require.Len(t, got.Message.To, 2)
	assert.Equal(t, "cc", got.Message.To[1].Type)
	assert.Equal(t, "support@acme.test", got.Message.Headers["Reply-To"])
	assert.Equal(t, "c1", got.Message.Metadata["campaign_id"])
}

func TestMailchimpSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"email":"jane@example.com","status":"rejected","reject_reason":"hard-bounce","_id":"md-1"}]`)
	}))
	defer srv.Close()

	mc := NewMailchimp(domain.Credentials{APIKey: "k", BaseURL: srv.URL}, noRetry)
	res, err := mc.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "mailchimp status rejected: hard-bounce", res.Error)

	_, err = NewMailchimp(domain.Credentials{}, noRetry).Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestMailchimpChecksAndQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["key"] != "good" {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"status":"error","name":"Invalid_Key","message":"Invalid API key"}`)
			return
		}
		switch r.URL.Path {
		case "/users/ping":
			io.WriteString(w, `"PONG!"`)
		case "/senders/domains":
			io.WriteString(w, `[{"domain":"acme.test","valid_signing":true},{"domain":"other.test","valid_signing":false}]`)
		case "/senders/list":
			io.WriteString(w, `[{"address":"solo@other.test"}]`)
		case "/users/info":
			io.WriteString(w, `{"hourly_quota":250,"backlog":3,"reputation":70,"stats":{"today":{"sent":41}}}`)
		}
	}))
	defer srv.Close()

	good := NewMailchimp(domain.Credentials{APIKey: "good", BaseURL: srv.URL}, noRetry)
	assert.True(t, good.ValidateCredentials(context.Background()).OK)
	bad := NewMailchimp(domain.Credentials{APIKey: "bad", BaseURL: srv.URL}, noRetry)
	assert.Equal(t, "invalid API key", bad.ValidateCredentials(context.Background()).Message)

	assert.True(t, good.VerifySender(context.Background(), "news@acme.test").OK)
	assert.True(t, good.VerifySender(context.Background(), "solo@other.test").OK)
	assert.False(t, good.VerifySender(context.Background(), "x@other.test").OK)

	q, err := good.GetQuotaInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &QuotaInfo{Period: "hour", Used: 41, Limit: 250, Details: map[string]float64{"backlog": 3, "reputation": 70}}, q)
}

func TestMailchimpWebhook(t *testing.T) {
	events := `[{"_id":"ev-1","event":"click","ts":1710498600,"url":"https://x.test","msg":{"_id":"md-1","email":"jane@example.com"}},` +
		`{"event":"soft_bounce","ts":1710498660.5,"msg":{"_id":"md-2","email":"a@x.test"}}]`
	form := url.Values{"mandrill_events": {events}}
	payload := []byte(form.Encode())

	mc := NewMailchimp(domain.Credentials{WebhookKey: "whk|https://hooks.acme.test/webhooks/t1/mailchimp"}, noRetry)
	got, err := mc.ParseWebhook(payload, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "click", got[0].NativeType)
	assert.Equal(t, "md-1", got[0].ProviderMessageID)
	assert.Equal(t, "ev-1", got[0].ProviderEventID)
	assert.Equal(t, "https://x.test", got[0].URL)
	assert.Equal(t, time.Unix(1710498600, 0).UTC(), got[0].OccurredAt)
	assert.Equal(t, "md-2:soft_bounce:1710498660.5", got[1].ProviderEventID)

	raw, err := mc.ParseWebhook([]byte(events), nil)
	require.NoError(t, err)
	assert.Len(t, raw, 2, "a bare JSON array is accepted")

	_, err = mc.ParseWebhook([]byte("foo=bar"), nil)
	assert.Error(t, err)

	mac := hmac.New(sha1.New, []byte("whk"))
	mac.Write([]byte("https://hooks.acme.test/webhooks/t1/mailchimp" + "mandrill_events" + events))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.True(t, mc.VerifySignature(context.Background(), payload, http.Header{"X-Mandrill-Signature": {sig}}))
	assert.False(t, mc.VerifySignature(context.Background(), payload, http.Header{"X-Mandrill-Signature": {"bogus"}}))
	assert.False(t, mc.VerifySignature(context.Background(), payload, http.Header{}))
	assert.True(t, NewMailchimp(domain.Credentials{}, noRetry).VerifySignature(context.Background(), payload, http.Header{}))
}

// =============================================================================
// Klaviyo
// =============================================================================

func TestKlaviyoSend(t *testing.T) {
	var got klaviyoEventBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/", r.URL.Path)
		assert.Equal(t, "Klaviyo-API-Key kv-key", r.Header.Get("Authorization"))
		assert.Equal(t, klaviyoRevision, r.Header.Get("revision"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	kv := NewKlaviyo(domain.Credentials{APIKey: "kv-key", BaseURL: srv.URL}, noRetry)
	res, err := kv.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "m1", res.MessageID)

	a := got.Data.Attributes
	assert.Equal(t, "event", got.Data.Type)
	assert.Equal(t, "m1", a.UniqueID)
	assert.Equal(t, "Hello Jane", a.Properties["subject"])
	assert.Equal(t, "<p>Hello</p>", a.Properties["html"])
	assert.Equal(t, "c1", a.Properties["campaign_id"])
	assert.Equal(t, "m1", a.Properties["message_id"])
}

func TestKlaviyoChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Klaviyo-API-Key good":
			io.WriteString(w, `{"data":[{"type":"account","id":"A1"}]}`)
		case "Klaviyo-API-Key scoped":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	good := NewKlaviyo(domain.Credentials{APIKey: "good", BaseURL: srv.URL}, noRetry)
	assert.True(t, good.ValidateCredentials(ctx).OK)
	assert.True(t, good.VerifySender(ctx, "news@acme.test").OK)
	assert.Equal(t, "API key lacks the required scopes", NewKlaviyo(domain.Credentials{APIKey: "scoped", BaseURL: srv.URL}, noRetry).ValidateCredentials(ctx).Message)
	assert.Equal(t, "invalid API key", NewKlaviyo(domain.Credentials{APIKey: "bad", BaseURL: srv.URL}, noRetry).ValidateCredentials(ctx).Message)

	q, err := good.GetQuotaInfo(ctx)
	assert.NoError(t, err)
	assert.Nil(t, q)
}

func TestKlaviyoWebhook(t *testing.T) {
	payload := []byte(`{"data":[{"type":"event","id":"kv-ev-1","attributes":{"datetime":"2024-03-15T10:30:00+00:00",` +
		`"metric":{"name":"Clicked Email"},"profile":{"email":"jane@example.com"},"event_properties":{"message_id":"m1","URL":"https://x.test"}}},` +
		`{"type":"event","id":"kv-ev-2","attributes":{"timestamp":"2024-03-15T11:00:00Z","metric":{"name":"Opened Email"},"profile":{"$email":"a@x.test"}}}]}`)

	kv := NewKlaviyo(domain.Credentials{WebhookKey: "secret"}, noRetry)
	got, err := kv.ParseWebhook(payload, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Clicked Email", got[0].NativeType)
	assert.Equal(t, "m1", got[0].ProviderMessageID)
	assert.Equal(t, "kv-ev-1", got[0].ProviderEventID)
	assert.Equal(t, "https://x.test", got[0].URL)
	assert.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), got[0].OccurredAt)
	assert.Equal(t, "a@x.test", got[1].RecipientEmail)
	assert.Empty(t, got[1].ProviderMessageID)

	single := []byte(`{"data":{"id":"kv-ev-3","attributes":{"metric":{"name":"Bounced Email"},"profile":{"email":"b@x.test"}}}}`)
	got, err = kv.ParseWebhook(single, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Bounced Email", got[0].NativeType)

	_, err = kv.ParseWebhook([]byte(`{}`), nil)
	assert.Error(t, err)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(payload)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.True(t, kv.VerifySignature(context.Background(), payload, http.Header{"Klaviyo-Signature": {sig}}))
	assert.False(t, kv.VerifySignature(context.Background(), payload, http.Header{}))
}

// =============================================================================
// Helpers
// =============================================================================

func TestValidSNSURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://sns.us-east-1.amazonaws.com/SimpleNotificationService-abc.pem", true},
		{"https://sns.cn-north-1.amazonaws.com.cn/cert.pem", true},
		{"http://sns.us-east-1.amazonaws.com/cert.pem", false},
		{"https://sns.us-east-1.amazonaws.com.evil.test/cert.pem", false},
		{"https://evil.test/" + url.PathEscape("sns.us-east-1.amazonaws.com"), false},
	}
	for _, tt := range tests {
		if got := validSNSURL(tt.url); got != tt.want {
			t.Errorf("validSNSURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
