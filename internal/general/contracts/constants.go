package contracts

// Task kinds handled by the dispatcher.
const (
	TaskGenerateInvoice   = "generate_invoice"
	TaskSendNotification  = "send_notification"
	TaskResetAvailability = "reset_availability"
	TaskFlagTimeout       = "flag_timeout"
)

// RabbitMQ egress topology. Billing and notification delivery are owned by
// downstream services; the dispatcher only publishes requests to them.
const (
	ExchangeDispatchTopic = "dispatch_topic"

	QueueNotifications   = "notifications"
	QueueBillingRequests = "billing_requests"
	QueueAvailability    = "fleet_availability"

	RouteNotifyPrefix   = "notify." // {kind}
	RouteBillingInvoice = "billing.invoice"
	RouteAvailability   = "fleet.availability.reset"
)
