package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// Cloud API defaults
const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v19.0"
)

// CloudConfig configures the WhatsApp Cloud API driver
type CloudConfig struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
}

// CloudClient sends messages through the WhatsApp Cloud API
type CloudClient struct {
	*statusTracker
	cfg    CloudConfig
	http   *http.Client
	logger *slog.Logger
}

// NewCloudClient creates a Cloud API driver
func NewCloudClient(cfg CloudConfig, logger *slog.Logger) *CloudClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CloudClient{
		statusTracker: newStatusTracker("cloud"),
		cfg:           cfg,
		http:          &http.Client{Timeout: cfg.Timeout},
		logger:        logger.With("component", "whatsapp", "driver", "cloud"),
	}
}

type phoneNumberInfo struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
}

// Connect verifies the token and phone number id against the API
func (c *CloudClient) Connect(ctx context.Context) error {
	c.setState(StateConnecting, nil)

	if c.cfg.Token == "" || c.cfg.PhoneNumberID == "" {
		err := fmt.Errorf("whatsapp token and phone number id are required")
		c.setState(StateFailed, err)
		return err
	}

	var info phoneNumberInfo
	url := c.url(c.cfg.PhoneNumberID) + "?fields=display_phone_number,verified_name"
	if err := c.do(ctx, http.MethodGet, url, nil, "", &info); err != nil {
		c.setState(StateFailed, err)
		c.logger.Error("connect failed", "error", err)
		return err
	}

	c.set(func(s *Status) {
		s.State = StateConnected
		s.LastError = ""
		s.DisplayName = info.VerifiedName
		s.PhoneNumber = info.DisplayPhoneNumber
	})
	c.logger.Info("connected", "name", info.VerifiedName, "phone", info.DisplayPhoneNumber)
	return nil
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type mediaBody struct {
	ID       string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type outgoingMessage struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type"`
	To               string     `json:"to"`
	Type             string     `json:"type"`
	Text             *textBody  `json:"text,omitempty"`
	Image            *mediaBody `json:"image,omitempty"`
	Document         *mediaBody `json:"document,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message
func (c *CloudClient) SendText(ctx context.Context, to, body string) (string, error) {
	return c.send(ctx, outgoingMessage{
		To:   to,
		Type: "text",
		Text: &textBody{Body: body},
	})
}

// SendMedia uploads the attachment and sends it as an image or document message
func (c *CloudClient) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	if !c.Status().Connected() {
		return "", ErrNotConnected
	}

	mediaID, err := c.upload(ctx, media)
	if err != nil {
		return "", err
	}

	msg := outgoingMessage{To: to}
	if media.IsImage() {
		msg.Type = "image"
		msg.Image = &mediaBody{ID: mediaID, Caption: media.Caption}
	} else {
		msg.Type = "document"
		msg.Document = &mediaBody{ID: mediaID, Caption: media.Caption, Filename: media.Filename}
	}
	return c.send(ctx, msg)
}

func (c *CloudClient) send(ctx context.Context, msg outgoingMessage) (string, error) {
	if !c.Status().Connected() {
		return "", ErrNotConnected
	}

	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, c.url(c.cfg.PhoneNumberID, "messages"), bytes.NewReader(data), "application/json", &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("whatsapp api returned no message id")
	}

	c.logger.Debug("message sent", "type", msg.Type, "id", resp.Messages[0].ID)
	return resp.Messages[0].ID, nil
}

func (c *CloudClient) upload(ctx context.Context, media Media) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(media.Filename)))
	header.Set("Content-Type", media.MIMEType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(media.Data); err != nil {
		return "", err
	}
	if err := writer.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := writer.WriteField("type", media.MIMEType); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.url(c.cfg.PhoneNumberID, "media"), body, writer.FormDataContentType(), &resp); err != nil {
		return "", fmt.Errorf("media upload failed: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("media upload returned no id")
	}
	return resp.ID, nil
}

// Close marks the driver disconnected
func (c *CloudClient) Close() error {
	c.setState(StateDisconnected, nil)
	return nil
}

func (c *CloudClient) url(parts ...string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.APIVersion + "/" + strings.Join(parts, "/")
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (c *CloudClient) do(ctx context.Context, method, url string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb apiErrorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error.Message != "" {
			apiErr.Message = eb.Error.Message
			apiErr.Code = eb.Error.Code
		}
		if resp.StatusCode == http.StatusUnauthorized {
			c.setState(StateFailed, apiErr)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
