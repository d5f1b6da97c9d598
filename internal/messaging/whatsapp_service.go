package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using a linked WhatsApp device.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when client is a real device, for event handling
	ch       *channels
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{client: client, ch: newChannels()}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient returns the digits-only phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the receipt and response channels.
func (s *WhatsAppService) Stop() error {
	if s.ch.stop() {
		slog.Info("WhatsAppService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	s.ch.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendTypingIndicator sets the composing presence.
func (s *WhatsAppService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendTypingIndicator(ctx, canonicalTo, typing)
}

// SendDocument uploads and sends a file attachment.
func (s *WhatsAppService) SendDocument(ctx context.Context, to, filename string, data []byte, caption string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendDocument(ctx, canonicalTo, filename, data, caption); err != nil {
		slog.Error("WhatsAppService SendDocument error", "error", err, "to", canonicalTo, "filename", filename)
		return err
	}
	s.ch.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Responses returns a channel of incoming customer messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.ch.responses
}

// handleIncomingMessage forwards text messages from direct chats.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}

	response := models.Response{
		ID:   string(evt.Info.ID),
		From: phoneNumberRegex.ReplaceAllString(evt.Info.Sender.User, ""),
		Name: evt.Info.PushName,
		Body: text,
		Time: evt.Info.Timestamp.Unix(),
	}
	switch err := s.ch.emitResponse(response); {
	case err == nil:
		slog.Debug("WhatsAppService incoming message forwarded", "from", response.From, "id", response.ID)
	case errors.Is(err, ErrInboundBacklog):
		replyBusy(s.SendMessage, response.From)
	}
}

// handleMessageReceipt maps delivery and read receipts.
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.ch.emitReceipt(models.Receipt{
		To:     phoneNumberRegex.ReplaceAllString(evt.MessageSource.Chat.User, ""),
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}
