package notifier

// Topics published by the central system for external dashboards.
const (
	TopicChargerStatusUpdate = "charger_status_update"
	TopicTransactionUpdate   = "transaction_update"
	TopicMeterValues         = "meter_values"
	TopicBootNotification    = "boot_notification"
)

// Notification carries one fire-and-forget event from the protocol engine to
// whatever bus is wired behind it.
type Notification struct {
	Topic string
	Data  map[string]interface{}
}
