package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gabinetedigital/dispatcher/internal/domain"
)

const defaultSendTimeout = 30 * time.Second

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number   string `json:"number"`
	MediaURL string `json:"media"`
	MimeType string `json:"mimetype"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type sendReactionRequest struct {
	Number    string `json:"number"`
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

type sendResponseBody struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// WhatsAppGateway talks to an Evolution-style WhatsApp HTTP API, where each
// configured instance is addressed by name in the URL path and authorized
// by a shared apikey header.
type WhatsAppGateway struct {
	client  *resty.Client
	baseURL string
	apiKey  string
}

func NewWhatsAppGateway(baseURL, apiKey string, timeout time.Duration) (*WhatsAppGateway, error) {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	} else {
		client.SetTimeout(defaultSendTimeout)
	}
	client.SetRetryCount(0)

	return NewWhatsAppGatewayWithClient(baseURL, apiKey, client)
}

func NewWhatsAppGatewayWithClient(baseURL, apiKey string, client *resty.Client) (*WhatsAppGateway, error) {
	trimmedURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedURL == "" {
		return nil, fmt.Errorf("gateway base url is required")
	}
	if _, err := url.ParseRequestURI(trimmedURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base url: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gateway api key is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	client.SetRetryCount(0)

	return &WhatsAppGateway{
		client:  client,
		baseURL: trimmedURL,
		apiKey:  strings.TrimSpace(apiKey),
	}, nil
}

func (g *WhatsAppGateway) SendText(ctx context.Context, instanceName, phoneNumber, text string) (*SendResponse, error) {
	if err := validateTarget(instanceName, phoneNumber); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is required", domain.ErrValidation)
	}

	return g.post(ctx, fmt.Sprintf("%s/message/sendText/%s", g.baseURL, instanceName), sendTextRequest{
		Number: phoneNumber,
		Text:   text,
	})
}

func (g *WhatsAppGateway) SendMedia(ctx context.Context, instanceName, phoneNumber, caption string, attachment domain.Attachment) (*SendResponse, error) {
	if err := validateTarget(instanceName, phoneNumber); err != nil {
		return nil, err
	}
	if strings.TrimSpace(attachment.URL) == "" {
		return nil, fmt.Errorf("%w: attachment url is required", domain.ErrValidation)
	}

	return g.post(ctx, fmt.Sprintf("%s/message/sendMedia/%s", g.baseURL, instanceName), sendMediaRequest{
		Number:   phoneNumber,
		MediaURL: attachment.URL,
		MimeType: attachment.MimeType,
		Caption:  caption,
		FileName: attachment.FileName,
	})
}

func (g *WhatsAppGateway) SendReaction(ctx context.Context, instanceName, phoneNumber, messageID, emoji string) error {
	if err := validateTarget(instanceName, phoneNumber); err != nil {
		return err
	}
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("%w: message id and reaction emoji are required", domain.ErrValidation)
	}

	_, err := g.post(ctx, fmt.Sprintf("%s/message/sendReaction/%s", g.baseURL, instanceName), sendReactionRequest{
		Number:    phoneNumber,
		MessageID: messageID,
		Reaction:  emoji,
	})
	return err
}

func (g *WhatsAppGateway) post(ctx context.Context, endpoint string, body any) (*SendResponse, error) {
	if g == nil || g.client == nil {
		return nil, fmt.Errorf("gateway is not initialized")
	}

	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("apikey", g.apiKey).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return nil, &GatewayError{
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &GatewayError{
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &SendResponse{
			StatusCode:        statusCode,
			Body:              responseBody,
			ProviderMessageID: extractMessageID(responseBody),
		}, nil
	}

	return nil, &GatewayError{
		StatusCode: statusCode,
		Message:    gatewayErrorMessage(statusCode, responseBody),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func validateTarget(instanceName, phoneNumber string) error {
	if strings.TrimSpace(instanceName) == "" {
		return fmt.Errorf("%w: instance name is required", domain.ErrValidation)
	}
	if strings.TrimSpace(phoneNumber) == "" {
		return fmt.Errorf("%w: phone number is required", domain.ErrValidation)
	}
	return nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func gatewayErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func extractMessageID(body string) string {
	if body == "" {
		return ""
	}

	var parsed sendResponseBody
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return ""
	}
	if id := strings.TrimSpace(parsed.Key.ID); id != "" {
		return id
	}
	return strings.TrimSpace(parsed.MessageID)
}
