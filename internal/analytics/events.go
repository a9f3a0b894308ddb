package analytics

// Behavioral event names sent to Customer.io and mirrored into the audit log.
const (
	EventUserRegistered       = "user_registered"
	EventDashboardViewed      = "dashboard_viewed"
	EventSessionBookingOpened = "session_booking_opened"
	EventMeetingScheduled     = "meeting_scheduled"
	EventUserChurned          = "user_churned"

	EventPaymentCompleted = "payment_completed"
	EventSessionPurchased = "session_purchased"
	EventOrderCompleted   = "order_completed"
)
