package data

import "time"

// Event types on the subscriber stream.
const (
	EventDeviceList = "device_list"
	EventReading    = "reading"
	EventAlert      = "alert"
)

// Event is a message fanned out to subscribers. It is transient and never persisted.
type Event interface {
	EventType() string
	// Source is the originating device id, empty for fleet-wide events.
	Source() string
}

// ReadingEvent announces a freshly generated reading.
type ReadingEvent struct {
	Type       string             `json:"type"`
	DeviceID   string             `json:"device_id"`
	DeviceType DeviceKind         `json:"device_type"`
	Payload    map[string]float64 `json:"payload"`
	Timestamp  time.Time          `json:"timestamp"`
}

func NewReadingEvent(kind DeviceKind, r Reading) ReadingEvent {
	return ReadingEvent{
		Type:       EventReading,
		DeviceID:   r.DeviceID,
		DeviceType: kind,
		Payload:    r.Fields,
		Timestamp:  r.Timestamp,
	}
}

func (e ReadingEvent) EventType() string { return e.Type }
func (e ReadingEvent) Source() string    { return e.DeviceID }

// AlertEvent announces a threshold crossing.
type AlertEvent struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewAlertEvent(a Alert) AlertEvent {
	return AlertEvent{
		Type:      EventAlert,
		DeviceID:  a.DeviceID,
		Severity:  a.Severity,
		Message:   a.Message,
		Timestamp: a.Timestamp,
	}
}

func (e AlertEvent) EventType() string { return e.Type }
func (e AlertEvent) Source() string    { return e.DeviceID }

// DeviceListEvent is sent once to every new subscriber.
type DeviceListEvent struct {
	Type    string   `json:"type"`
	Devices []Device `json:"devices"`
}

func NewDeviceListEvent(devices []Device) DeviceListEvent {
	if devices == nil {
		devices = []Device{}
	}
	return DeviceListEvent{Type: EventDeviceList, Devices: devices}
}

func (e DeviceListEvent) EventType() string { return e.Type }
func (e DeviceListEvent) Source() string    { return "" }
