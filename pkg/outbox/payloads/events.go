package payloads

import "time"

// UserRegisteredEvent is emitted by the user service after sign-up commits.
type UserRegisteredEvent struct {
	UserID       string    `json:"user_id" validate:"required"`
	Email        string    `json:"email" validate:"required,email"`
	RegisteredAt time.Time `json:"registered_at"`
}

// OrderCreatedEvent signals a new order accepted by the order service.
type OrderCreatedEvent struct {
	OrderID     string `json:"order_id" validate:"required"`
	CustomerID  string `json:"customer_id" validate:"required"`
	TotalCents  int64  `json:"total_cents" validate:"gte=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	ItemCount   int    `json:"item_count" validate:"gte=1"`
	PromotionID string `json:"promotion_id,omitempty"`
}

// OrderCanceledEvent is emitted when an order is canceled before shipment.
type OrderCanceledEvent struct {
	OrderID    string    `json:"order_id" validate:"required"`
	Reason     string    `json:"reason,omitempty"`
	CanceledAt time.Time `json:"canceled_at"`
}

// PaymentConfirmedEvent is emitted once the payment provider settles a charge.
type PaymentConfirmedEvent struct {
	PaymentID   string    `json:"payment_id" validate:"required"`
	OrderID     string    `json:"order_id" validate:"required"`
	AmountCents int64     `json:"amount_cents" validate:"gte=0"`
	Currency    string    `json:"currency" validate:"required,len=3"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// PaymentFailedEvent is emitted when a charge is declined.
type PaymentFailedEvent struct {
	PaymentID string `json:"payment_id" validate:"required"`
	OrderID   string `json:"order_id" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

// ShipmentDeliveredEvent is emitted by shipping when the carrier confirms delivery.
type ShipmentDeliveredEvent struct {
	ShipmentID  string    `json:"shipment_id" validate:"required"`
	OrderID     string    `json:"order_id" validate:"required"`
	Carrier     string    `json:"carrier,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}
