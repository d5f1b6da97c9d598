package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

func TestWhatsAppService_SendMessage_Receipt(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	if err := svc.SendMessage(context.Background(), "+263 77 111 1111", "hello"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if len(mockClient.SentMessages) != 1 || mockClient.SentMessages[0].To != "263771111111" {
		t.Fatalf("sent = %+v", mockClient.SentMessages)
	}
	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "263771111111" || receipt.Status != models.MessageStatusSent {
			t.Errorf("receipt = %+v", receipt)
		}
	default:
		t.Fatal("expected receipt, got none")
	}
}

func TestWhatsAppService_DocumentAndTyping(t *testing.T) {
	mockClient := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mockClient)
	ctx := context.Background()
	if err := svc.SendTypingIndicator(ctx, "263771111111", true); err != nil {
		t.Fatalf("SendTypingIndicator: %v", err)
	}
	if err := svc.SendDocument(ctx, "263771111111", "receipt.pdf", []byte("%PDF"), "Your receipt"); err != nil {
		t.Fatalf("SendDocument: %v", err)
	}
	if len(mockClient.Typing) != 1 || !mockClient.Typing[0] {
		t.Errorf("typing = %v", mockClient.Typing)
	}
	if len(mockClient.SentDocuments) != 1 || mockClient.SentDocuments[0].Filename != "receipt.pdf" {
		t.Errorf("documents = %+v", mockClient.SentDocuments)
	}
}

func TestWhatsAppService_InvalidRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.SendMessage(context.Background(), "abc", "hello"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	if _, ok := <-svc.Receipts(); ok {
		t.Error("expected receipts channel closed")
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("expected responses channel closed")
	}
	if err := svc.SendMessage(context.Background(), "263771111111", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendMessage after Stop = %v, want ErrServiceStopped", err)
	}
}

func TestWhatsAppService_HandleIncomingMessage(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	ts := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Sender: types.NewJID("263771111111", types.DefaultUserServer)},
		ID:            "3EB0ABC",
		PushName:      "Tariro",
		Timestamp:     ts,
	}

	svc.handleIncomingMessage(&events.Message{Info: info, Message: &waE2E.Message{Conversation: proto.String("order")}})

	select {
	case r := <-svc.Responses():
		if r.ID != "3EB0ABC" || r.From != "263771111111" || r.Name != "Tariro" || r.Body != "order" || r.Time != ts.Unix() {
			t.Errorf("response = %+v", r)
		}
	default:
		t.Fatal("expected response")
	}

	ext := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("12kg")}}
	svc.handleIncomingMessage(&events.Message{Info: info, Message: ext})
	if r := <-svc.Responses(); r.Body != "12kg" {
		t.Errorf("extended text body = %q", r.Body)
	}

	fromMe := info
	fromMe.IsFromMe = true
	svc.handleIncomingMessage(&events.Message{Info: fromMe, Message: &waE2E.Message{Conversation: proto.String("echo")}})
	svc.handleIncomingMessage(&events.Message{Info: info, Message: &waE2E.Message{}})
	select {
	case r := <-svc.Responses():
		t.Errorf("unexpected response %+v", r)
	default:
	}
}
