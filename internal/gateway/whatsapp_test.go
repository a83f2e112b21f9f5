package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func TestWhatsAppGatewaySendTextSuccess(t *testing.T) {
	t.Parallel()

	var gotPath string
	var gotAPIKey string
	var gotBody sendTextRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("apikey")

		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"key":{"id":"wamid-123"},"status":"PENDING"}`))
	}))
	defer server.Close()

	g, err := NewWhatsAppGateway(server.URL, "secret-key", time.Second)
	if err != nil {
		t.Fatalf("NewWhatsAppGateway() error = %v", err)
	}

	resp, err := g.SendText(context.Background(), "gabinete-principal", "+5511988887777", "Olá Maria")
	if err != nil {
		t.Fatalf("SendText() unexpected error: %v", err)
	}

	if resp.ProviderMessageID != "wamid-123" {
		t.Fatalf("ProviderMessageID = %q, want wamid-123", resp.ProviderMessageID)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if !strings.HasSuffix(gotPath, "/message/sendText/gabinete-principal") {
		t.Fatalf("request path = %q, want sendText suffix with instance name", gotPath)
	}
	if gotAPIKey != "secret-key" {
		t.Fatalf("apikey header = %q, want secret-key", gotAPIKey)
	}
	if gotBody.Number != "+5511988887777" || gotBody.Text != "Olá Maria" {
		t.Fatalf("request body = %+v", gotBody)
	}
}

func TestWhatsAppGatewaySendTextStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "bad request is permanent", statusCode: http.StatusBadRequest, wantTransient: false},
		{name: "unauthorized is permanent", statusCode: http.StatusUnauthorized, wantTransient: false},
		{name: "internal server error is transient", statusCode: http.StatusInternalServerError, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("provider failed"))
			}))
			defer server.Close()

			g, err := NewWhatsAppGateway(server.URL, "secret-key", time.Second)
			if err != nil {
				t.Fatalf("NewWhatsAppGateway() error = %v", err)
			}

			_, err = g.SendText(context.Background(), "gabinete-principal", "+5511988887777", "Olá")
			if err == nil {
				t.Fatal("expected error")
			}

			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			var gatewayErr *GatewayError
			if !errors.As(err, &gatewayErr) {
				t.Fatalf("expected GatewayError, got %T", err)
			}
			if gatewayErr.StatusCode != tc.statusCode {
				t.Fatalf("GatewayError.StatusCode = %d, want %d", gatewayErr.StatusCode, tc.statusCode)
			}
		})
	}
}

func TestWhatsAppGatewaySendTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"key":{"id":"wamid-1"}}`))
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	g, err := NewWhatsAppGatewayWithClient(server.URL, "secret-key", client)
	if err != nil {
		t.Fatalf("NewWhatsAppGatewayWithClient() error = %v", err)
	}

	_, err = g.SendText(context.Background(), "gabinete-principal", "+5511988887777", "Olá")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestWhatsAppGatewaySendReaction(t *testing.T) {
	t.Parallel()

	var gotBody sendReactionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/message/sendReaction/gabinete-principal") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	g, err := NewWhatsAppGateway(server.URL, "secret-key", time.Second)
	if err != nil {
		t.Fatalf("NewWhatsAppGateway() error = %v", err)
	}

	if err := g.SendReaction(context.Background(), "gabinete-principal", "+5511988887777", "wamid-9", "👍"); err != nil {
		t.Fatalf("SendReaction() unexpected error: %v", err)
	}
	if gotBody.MessageID != "wamid-9" || gotBody.Reaction != "👍" {
		t.Fatalf("request body = %+v", gotBody)
	}
}

func TestExtractMessageID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "nested key id", body: `{"key":{"id":"wamid-1"}}`, want: "wamid-1"},
		{name: "flat message id", body: `{"messageId":"wamid-2"}`, want: "wamid-2"},
		{name: "not json", body: "ok", want: ""},
		{name: "empty", body: "", want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := extractMessageID(tt.body); got != tt.want {
				t.Fatalf("extractMessageID() = %q, want %q", got, tt.want)
			}
		})
	}
}
