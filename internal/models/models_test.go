package models

import (
	"testing"
	"time"
)

func TestAPIResponseHelpers(t *testing.T) {
	ok := Success(map[string]int{"n": 1})
	if ok.Status != string(APIStatusOK) || ok.Result == nil {
		t.Errorf("unexpected success response: %+v", ok)
	}
	withMsg := SuccessWithMessage("done", nil)
	if withMsg.Message != "done" || withMsg.Status != string(APIStatusOK) {
		t.Errorf("unexpected success-with-message response: %+v", withMsg)
	}
	e := Error("boom")
	if e.Status != string(APIStatusError) || e.Message != "boom" {
		t.Errorf("unexpected error response: %+v", e)
	}
}

func TestOrderSubmissionValidate(t *testing.T) {
	tests := []struct {
		name    string
		sub     OrderSubmission
		wantErr error
	}{
		{"valid", OrderSubmission{PhoneNumber: "263771234567", MeatType: "Beef"}, nil},
		{"missing phone", OrderSubmission{MeatType: "Beef"}, ErrMissingPhoneNumber},
		{"blank item", OrderSubmission{PhoneNumber: "263771234567", MeatType: "  "}, ErrMissingItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.sub.Validate(); err != tt.wantErr {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOrderDraftToOrder(t *testing.T) {
	d := OrderDraft{
		Identity:     "263771234567",
		CustomerName: "Tendai",
		Answers: map[string]string{
			StepItem:            "Beef",
			StepQuantity:        "5kg",
			StepPortion:         "steak",
			StepPrice:           "$6/kg",
			StepDeliveryAddress: "8233 Glenview 8",
			StepDeliveryTime:    "Morning",
			StepPaymentMethod:   "Ecocash",
		},
	}
	o := d.ToOrder()
	if o.PhoneNumber != d.Identity || o.CustomerName != "Tendai" {
		t.Errorf("identity fields not copied: %+v", o)
	}
	if o.Item != "Beef" || o.Portion != "steak" || o.PriceOption != "$6/kg" || o.PaymentMethod != "Ecocash" {
		t.Errorf("answers not mapped: %+v", o)
	}
	if o.Source != OrderSourceChat {
		t.Errorf("expected source %q, got %q", OrderSourceChat, o.Source)
	}
}

func TestInboundFromResponse(t *testing.T) {
	in := InboundFromResponse(Response{ID: "wamid.1", From: "263771234567", Name: "Tendai", Body: "hi", Time: 1700000000})
	if in.Identity != "263771234567" || in.Name != "Tendai" || in.Text != "hi" || in.ID != "wamid.1" {
		t.Errorf("unexpected inbound message: %+v", in)
	}
	if !in.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unexpected received time %v", in.ReceivedAt)
	}
}
