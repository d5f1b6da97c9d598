package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCreator struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestClient_SendMessage(t *testing.T) {
	fake := &fakeCreator{}
	c := &Client{api: fake, fromWhats: whatsappAddress("+14155238886")}

	if err := c.SendMessage(context.Background(), "263771111111", "Hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(fake.params) != 1 {
		t.Fatalf("CreateMessage calls = %d", len(fake.params))
	}
	p := fake.params[0]
	if *p.To != "whatsapp:+263771111111" || *p.From != "whatsapp:+14155238886" || *p.Body != "Hello" {
		t.Errorf("params = to %q from %q body %q", *p.To, *p.From, *p.Body)
	}
}

func TestClient_SendMessageError(t *testing.T) {
	c := &Client{api: &fakeCreator{err: errors.New("21211 invalid number")}, fromWhats: "whatsapp:+1"}
	if err := c.SendMessage(context.Background(), "263771111111", "Hello"); err == nil {
		t.Fatal("expected error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.SendMessage(ctx, "263771111111", "Hello"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled send error = %v", err)
	}
}

func TestWhatsappAddress(t *testing.T) {
	tests := map[string]string{
		"263771111111":           "whatsapp:+263771111111",
		"+263771111111":          "whatsapp:+263771111111",
		"whatsapp:+263771111111": "whatsapp:+263771111111",
	}
	for in, want := range tests {
		if got := whatsappAddress(in); got != want {
			t.Errorf("whatsappAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}

func TestMockClient_SendMessage(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMessage(context.Background(), "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != "Hello Test" {
		t.Errorf("SentMessages = %+v", mock.SentMessages)
	}
}
