package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	client twiliowhatsapp.Sender
	ch     *channels
}

// NewTwilioService creates a TwilioService around a Twilio client or mock.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, ch: newChannels()}
}

// ValidateAndCanonicalizeRecipient returns the digits-only phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op for Twilio.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	if s.ch.stop() {
		slog.Info("TwilioService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.ch.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendTypingIndicator forwards to the client, which ignores it.
func (s *TwilioService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	return s.client.SendTypingIndicator(ctx, to, typing)
}

// SendDocument is unsupported: Twilio only attaches media from a public URL.
func (s *TwilioService) SendDocument(ctx context.Context, to, filename string, data []byte, caption string) error {
	return fmt.Errorf("%w: twilio (%s)", ErrDocumentsUnsupported, filename)
}

// Receipts returns the channel for sent message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Responses returns the channel for incoming messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.ch.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Responses() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService: failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if payload := r.FormValue("ButtonPayload"); payload != "" {
		body = payload
	}
	if from == "" || body == "" {
		slog.Warn("TwilioService: webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService: invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService: inbound WhatsApp message", "from", canonical, "body_length", len(body))
	err = s.ch.emitResponse(models.Response{
		ID:   r.FormValue("MessageSid"),
		From: canonical,
		Name: r.FormValue("ProfileName"),
		Body: body,
		Time: time.Now().Unix(),
	})
	if errors.Is(err, ErrInboundBacklog) {
		replyBusy(s.SendMessage, canonical)
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
