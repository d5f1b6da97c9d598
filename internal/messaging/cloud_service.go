package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// DefaultGraphBaseURL is the WhatsApp Cloud API endpoint root.
const DefaultGraphBaseURL = "https://graph.facebook.com/v19.0"

// Webhook acknowledgement statuses.
const (
	WebhookStatusReceived = "received"
	WebhookStatusIgnored  = "ignored"
	WebhookStatusError    = "error"
)

// CloudService implements Service on the WhatsApp Cloud API. Inbound
// messages arrive through WebhookHandler.
type CloudService struct {
	ch            *channels
	client        *http.Client
	baseURL       string
	phoneNumberID string
	accessToken   string
	verifyToken   string

	mu          sync.Mutex
	lastInbound map[string]string
}

// CloudOption configures a CloudService.
type CloudOption func(*CloudService)

// WithGraphBaseURL overrides DefaultGraphBaseURL.
func WithGraphBaseURL(url string) CloudOption {
	return func(s *CloudService) { s.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets the HTTP client used for Graph API calls.
func WithHTTPClient(c *http.Client) CloudOption {
	return func(s *CloudService) { s.client = c }
}

// NewCloudService creates a CloudService. phoneNumberID and accessToken are required.
func NewCloudService(phoneNumberID, accessToken, verifyToken string, opts ...CloudOption) (*CloudService, error) {
	if phoneNumberID == "" || accessToken == "" {
		return nil, fmt.Errorf("phone number id and access token must be provided")
	}
	s := &CloudService{
		ch:            newChannels(),
		client:        &http.Client{Timeout: DefaultSendTimeout},
		baseURL:       DefaultGraphBaseURL,
		phoneNumberID: phoneNumberID,
		accessToken:   accessToken,
		verifyToken:   verifyToken,
		lastInbound:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("CloudService created", "baseURL", s.baseURL, "verifyToken_set", verifyToken != "")
	return s, nil
}

// ValidateAndCanonicalizeRecipient returns the digits-only phone number.
func (s *CloudService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op; inbound traffic is pushed to the webhook.
func (s *CloudService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the receipt and response channels.
func (s *CloudService) Stop() error {
	if s.ch.stop() {
		slog.Info("CloudService stopped and channels closed")
	}
	return nil
}

// Receipts returns the channel of delivery status events.
func (s *CloudService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Responses returns the channel of inbound customer messages.
func (s *CloudService) Responses() <-chan models.Response {
	return s.ch.responses
}

// SendMessage sends a text message.
func (s *CloudService) SendMessage(ctx context.Context, to string, body string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                canonicalTo,
		"type":              "text",
		"text":              map[string]any{"body": body},
	}
	if _, err := s.postJSON(ctx, "/messages", payload); err != nil {
		slog.Error("CloudService.SendMessage: send failed", "to", canonicalTo, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", canonicalTo, err)
	}
	s.ch.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	slog.Debug("CloudService.SendMessage: sent", "to", canonicalTo, "body_length", len(body))
	return nil
}

// SendTypingIndicator marks the customer's last message as read with a
// typing indicator. The indicator clears itself on the next reply, so
// turning it off is a no-op.
func (s *CloudService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	if !typing {
		return nil
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	s.mu.Lock()
	msgID := s.lastInbound[canonicalTo]
	s.mu.Unlock()
	if msgID == "" {
		return nil
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        msgID,
		"typing_indicator":  map[string]any{"type": "text"},
	}
	if _, err := s.postJSON(ctx, "/messages", payload); err != nil {
		return fmt.Errorf("failed to send typing indicator to %s: %w", canonicalTo, err)
	}
	return nil
}

// SendDocument uploads data as media and sends it as a document message.
func (s *CloudService) SendDocument(ctx context.Context, to, filename string, data []byte, caption string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	mediaID, err := s.uploadMedia(ctx, filename, data)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", filename, err)
	}
	document := map[string]any{"id": mediaID, "filename": filename}
	if caption != "" {
		document["caption"] = caption
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                canonicalTo,
		"type":              "document",
		"document":          document,
	}
	if _, err := s.postJSON(ctx, "/messages", payload); err != nil {
		return fmt.Errorf("failed to send document to %s: %w", canonicalTo, err)
	}
	s.ch.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	slog.Info("CloudService.SendDocument: sent", "to", canonicalTo, "filename", filename, "bytes", len(data))
	return nil
}

func (s *CloudService) uploadMedia(ctx context.Context, filename string, data []byte) (string, error) {
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("messaging_product", "whatsapp")
	_ = w.WriteField("type", contentType)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	raw, err := s.do(ctx, "/media", w.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("failed to decode media upload response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("media upload returned no id")
	}
	return resp.ID, nil
}

func (s *CloudService) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return s.do(ctx, path, "application/json", bytes.NewReader(body))
}

func (s *CloudService) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	url := s.baseURL + "/" + s.phoneNumberID + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("graph api status %d: %s (code %d)", resp.StatusCode, apiErr.Error.Message, apiErr.Error.Code)
		}
		return nil, fmt.Errorf("graph api status %d", resp.StatusCode)
	}
	return raw, nil
}

// webhookPayload is the subset of the Cloud API webhook body OrderPipe reads.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
	Statuses []struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		Timestamp   string `json:"timestamp"`
		RecipientID string `json:"recipient_id"`
	} `json:"statuses"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Button struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
}

// text returns the routable text of a message. Button replies yield their
// id so configured tokens such as confirm_order match.
func (m webhookMessage) text() string {
	switch m.Type {
	case "text", "":
		return m.Text.Body
	case "interactive":
		if m.Interactive.ButtonReply.ID != "" {
			return m.Interactive.ButtonReply.ID
		}
		return m.Interactive.ListReply.ID
	case "button":
		if m.Button.Payload != "" {
			return m.Button.Payload
		}
		return m.Button.Text
	default:
		return ""
	}
}

// VerifyChallenge checks a webhook subscription request. It returns the
// challenge and http.StatusOK on success.
func (s *CloudService) VerifyChallenge(mode, token, challenge string) (int64, int) {
	if mode != "subscribe" || s.verifyToken == "" || token != s.verifyToken {
		return 0, http.StatusForbidden
	}
	n, err := strconv.ParseInt(challenge, 10, 64)
	if err != nil {
		return 0, http.StatusBadRequest
	}
	return n, http.StatusOK
}

// HandlePayload parses a webhook body, emits every text message on
// Responses and every status on Receipts. It returns the acknowledgement status.
func (s *CloudService) HandlePayload(body []byte) string {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		slog.Error("CloudService.HandlePayload: invalid payload", "error", err)
		return WebhookStatusError
	}

	received, backlogged := 0, 0
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			names := make(map[string]string, len(c.Value.Contacts))
			for _, ct := range c.Value.Contacts {
				if ct.WaID != "" && ct.Profile.Name != "" {
					names[ct.WaID] = ct.Profile.Name
				}
			}
			for _, st := range c.Value.Statuses {
				s.emitStatus(st.RecipientID, st.Status, st.Timestamp)
			}
			for _, m := range c.Value.Messages {
				text := m.text()
				from, err := s.ValidateAndCanonicalizeRecipient(m.From)
				if err != nil || strings.TrimSpace(text) == "" {
					slog.Debug("CloudService.HandlePayload: skipping message", "type", m.Type, "from", m.From, "error", err)
					continue
				}
				ts, _ := strconv.ParseInt(m.Timestamp, 10, 64)
				if ts == 0 {
					ts = time.Now().Unix()
				}
				s.mu.Lock()
				s.lastInbound[from] = m.ID
				s.mu.Unlock()
				err = s.ch.emitResponse(models.Response{ID: m.ID, From: from, Name: names[m.From], Body: text, Time: ts})
				switch {
				case err == nil:
					received++
				case errors.Is(err, ErrInboundBacklog):
					backlogged++
					slog.Error("CloudService.HandlePayload: message not queued", "identity", from, "messageID", m.ID, "error", err)
					replyBusy(s.SendMessage, from)
				}
			}
		}
	}
	if backlogged > 0 {
		return WebhookStatusError
	}
	if received == 0 {
		return WebhookStatusIgnored
	}
	slog.Info("CloudService.HandlePayload: messages queued", "count", received)
	return WebhookStatusReceived
}

func (s *CloudService) emitStatus(recipient, status, timestamp string) {
	var ms models.MessageStatus
	switch status {
	case "sent":
		ms = models.MessageStatusSent
	case "delivered":
		ms = models.MessageStatusDelivered
	case "read":
		ms = models.MessageStatusRead
	case "failed":
		ms = models.MessageStatusFailed
	default:
		return
	}
	ts, _ := strconv.ParseInt(timestamp, 10, 64)
	s.ch.emitReceipt(models.Receipt{To: recipient, Status: ms, Time: ts})
}

// WebhookHandler serves GET subscription verification and POST deliveries.
// POST always answers 200 so the platform does not redeliver.
func (s *CloudService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		challenge, status := s.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
		w.WriteHeader(status)
		switch status {
		case http.StatusOK:
			json.NewEncoder(w).Encode(challenge)
		case http.StatusBadRequest:
			json.NewEncoder(w).Encode(map[string]string{"error": "Missing challenge"})
		default:
			slog.Warn("CloudService.WebhookHandler: verification failed", "mode", q.Get("hub.mode"))
			json.NewEncoder(w).Encode(map[string]string{"error": "Verification failed"})
		}
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		status := WebhookStatusError
		if err != nil {
			slog.Error("CloudService.WebhookHandler: read body failed", "error", err)
		} else {
			status = s.HandlePayload(body)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]string{"error": "method not allowed"})
	}
}
