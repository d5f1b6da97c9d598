package models

import (
	"errors"
	"strings"
	"time"
)

// OrderSource records how an order entered the system.
type OrderSource string

const (
	// OrderSourceChat is an order committed by the conversational flow.
	OrderSourceChat OrderSource = "chat"
	// OrderSourceForm is an order submitted directly over HTTP.
	OrderSourceForm OrderSource = "form"
)

// Step names used by the default order flow. They double as answer keys in a draft.
const (
	StepItem            = "item"
	StepQuantity        = "quantity"
	StepPortion         = "portion"
	StepPrice           = "price"
	StepDeliveryAddress = "delivery_address"
	StepDeliveryTime    = "delivery_time"
	StepPaymentMethod   = "payment_method"
	StepConfirmation    = "confirmation"
)

// Error variables for order validation.
var (
	ErrMissingPhoneNumber = errors.New("Phone_Number is required")
	ErrMissingItem        = errors.New("Meat_Type is required")
)

// Order is a persisted customer order.
type Order struct {
	ID              int64       `json:"id"`
	Reference       string      `json:"reference"`
	CustomerName    string      `json:"customer_name"`
	PhoneNumber     string      `json:"phone_number"`
	Item            string      `json:"meat_type"`
	PriceOption     string      `json:"price_option"`
	Quantity        string      `json:"quantity"`
	Portion         string      `json:"custom_cuts"`
	PaymentMethod   string      `json:"payment_method"`
	DeliveryTime    string      `json:"delivery_time"`
	DeliveryAddress string      `json:"delivery_address"`
	Source          OrderSource `json:"source"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// OrderDraft is an in-progress order for one identity.
// StepIndex points at the step whose answer is awaited next.
type OrderDraft struct {
	Identity     string            `json:"identity"`
	StepIndex    int               `json:"step_index"`
	Answers      map[string]string `json:"answers"`
	CustomerName string            `json:"customer_name,omitempty"`
	// OrderReference is fixed when the draft reaches confirmation so a
	// repeated confirmation cannot store the order twice.
	OrderReference string    `json:"order_reference,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToOrder converts a completed draft into an order ready to be persisted.
func (d OrderDraft) ToOrder() Order {
	return Order{
		Reference:       d.OrderReference,
		CustomerName:    d.CustomerName,
		PhoneNumber:     d.Identity,
		Item:            d.Answers[StepItem],
		PriceOption:     d.Answers[StepPrice],
		Quantity:        d.Answers[StepQuantity],
		Portion:         d.Answers[StepPortion],
		PaymentMethod:   d.Answers[StepPaymentMethod],
		DeliveryTime:    d.Answers[StepDeliveryTime],
		DeliveryAddress: d.Answers[StepDeliveryAddress],
		Source:          OrderSourceChat,
	}
}

// OrderSubmission is the payload accepted by the direct order endpoint.
type OrderSubmission struct {
	CustomerName    string `json:"Customer_Name"`
	PhoneNumber     string `json:"Phone_Number"`
	MeatType        string `json:"Meat_Type"`
	PriceOption     string `json:"Price_Option"`
	Quantity        string `json:"Quantity"`
	CustomCuts      string `json:"Custom_Cuts"`
	PaymentMethod   string `json:"Payment_Method"`
	DeliveryTime    string `json:"Delivery_Time"`
	DeliveryAddress string `json:"Delivery_Address"`
}

// Validate validates an OrderSubmission.
func (s *OrderSubmission) Validate() error {
	if strings.TrimSpace(s.PhoneNumber) == "" {
		return ErrMissingPhoneNumber
	}
	if strings.TrimSpace(s.MeatType) == "" {
		return ErrMissingItem
	}
	return nil
}

// ToOrder converts the submission into an order ready to be persisted.
func (s OrderSubmission) ToOrder() Order {
	return Order{
		CustomerName:    s.CustomerName,
		PhoneNumber:     s.PhoneNumber,
		Item:            s.MeatType,
		PriceOption:     s.PriceOption,
		Quantity:        s.Quantity,
		Portion:         s.CustomCuts,
		PaymentMethod:   s.PaymentMethod,
		DeliveryTime:    s.DeliveryTime,
		DeliveryAddress: s.DeliveryAddress,
		Source:          OrderSourceForm,
	}
}
