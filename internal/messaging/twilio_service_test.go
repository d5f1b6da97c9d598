package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/twiliowhatsapp"
)

func TestTwilioService_ImplementsService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "+263 77-111-1111", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "263771111111" {
		t.Fatalf("sent = %+v", mock.SentMessages)
	}
	r := <-svc.Receipts()
	if r.Status != models.MessageStatusSent || r.To != "263771111111" {
		t.Errorf("receipt = %+v", r)
	}
}

func TestTwilioService_SendErrors(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	mock.Err = errors.New("twilio down")
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.SendMessage(ctx, "263771111111", "hello"); err == nil {
		t.Error("expected client error")
	}
	if err := svc.SendMessage(ctx, "123", "hello"); err == nil {
		t.Error("expected validation error for short number")
	}
	if err := svc.SendDocument(ctx, "263771111111", "r.pdf", []byte("x"), ""); !errors.Is(err, ErrDocumentsUnsupported) {
		t.Errorf("SendDocument = %v, want ErrDocumentsUnsupported", err)
	}
	_ = svc.Stop()
	if err := svc.SendTypingIndicator(ctx, "263771111111", true); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendTypingIndicator after Stop = %v", err)
	}
}

func TestTwilioService_WebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	tests := []struct {
		name     string
		form     url.Values
		wantCode int
		wantBody string
	}{
		{
			name:     "text message",
			form:     url.Values{"From": {"whatsapp:+263771111111"}, "Body": {"order"}, "MessageSid": {"SM1"}, "ProfileName": {"Tariro"}},
			wantCode: http.StatusOK,
			wantBody: "order",
		},
		{
			name:     "button payload wins",
			form:     url.Values{"From": {"whatsapp:+263771111111"}, "Body": {"Yes"}, "ButtonPayload": {"confirm_order"}},
			wantCode: http.StatusOK,
			wantBody: "confirm_order",
		},
		{
			name:     "missing body",
			form:     url.Values{"From": {"whatsapp:+263771111111"}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid sender",
			form:     url.Values{"From": {"whatsapp:abc"}, "Body": {"hi"}},
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			svc.TwilioWebhookHandler(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			select {
			case r := <-svc.Responses():
				if r.From != "263771111111" || r.Body != tt.wantBody {
					t.Errorf("response = %+v", r)
				}
			default:
				t.Fatal("expected response")
			}
		})
	}
}

func TestTwilioService_WebhookBacklogRepliesBusy(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	svc.ch.timeout = 10 * time.Millisecond
	fillResponses(svc.ch)

	form := url.Values{"From": {"whatsapp:+263771111111"}, "Body": {"Beef"}, "MessageSid": {"SM9"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != BusyReply || mock.SentMessages[0].To != "263771111111" {
		t.Errorf("sent = %+v, want one busy reply", mock.SentMessages)
	}
}
