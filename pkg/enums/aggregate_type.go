package enums

// AggregateType names the business entity an event is about. The set is open;
// these are the kinds the platform services emit today.
type AggregateType string

const (
	AggregateUser     AggregateType = "user"
	AggregateOrder    AggregateType = "order"
	AggregatePayment  AggregateType = "payment"
	AggregateShipment AggregateType = "shipment"
	AggregateProduct  AggregateType = "product"
)

// Well-known event types.
const (
	EventUserRegistered    = "user.registered"
	EventOrderCreated      = "order.created"
	EventOrderCanceled     = "order.canceled"
	EventPaymentConfirmed  = "payment.confirmed"
	EventPaymentFailed     = "payment.failed"
	EventShipmentDelivered = "shipment.delivered"
)
