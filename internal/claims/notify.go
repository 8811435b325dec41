package claims

import "fmt"

// Notification kinds.
const (
	NoticeDispatched = "DISPATCHED"
	NoticeETA        = "ETA_UPDATE"
	NoticeArrival    = "ARRIVAL"
	NoticeCancelled  = "CANCELLED"
	NoticeCab        = "CAB_BOOKED"
)

// Notice drafts the SMS sent to customer for kind.
func Notice(customer, kind, provider string, eta int) string {
	var body string
	switch kind {
	case NoticeDispatched:
		body = fmt.Sprintf("Help is on the way! '%s' has been dispatched.", provider)
	case NoticeETA:
		body = fmt.Sprintf("Your service vehicle will arrive in approximately %d minutes.", eta)
	case NoticeArrival:
		body = "Your service vehicle has arrived."
	case NoticeCancelled:
		body = "Your service request has been cancelled."
	case NoticeCab:
		body = "A cab has been booked to take you onward."
	default:
		body = "Status update - " + kind
	}
	return fmt.Sprintf("SMS to %s: %s", customer, body)
}
