package testutil

import "time"

// ServiceCall records a service call received by MockHAServer.
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]any
}

// FiredEvent records an event received by MockHAServer.
type FiredEvent struct {
	Timestamp time.Time
	EventType string
	EventData map[string]any
}

// FilterServiceCalls returns the calls to domain.service.
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindServiceCallWithData returns the latest call to domain.service whose
// data holds dataKey with dataValue.
func FindServiceCallWithData(calls []ServiceCall, domain, service, dataKey string, dataValue any) *ServiceCall {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.Domain == domain && call.Service == service {
			if val, ok := call.ServiceData[dataKey]; ok && val == dataValue {
				return &call
			}
		}
	}
	return nil
}

// FilterEvents returns the events of one type.
func FilterEvents(events []FiredEvent, eventType string) []FiredEvent {
	var filtered []FiredEvent
	for _, e := range events {
		if e.EventType == eventType {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
