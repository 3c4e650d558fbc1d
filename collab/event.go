package collab

import (
	"fmt"
	"regexp"
)

// Wire event codes, socket.io style. Keep-alive and disconnect arrive as
// bare numeric frames; content events carry a named sub-event and an
// optional JSON payload: `42["submitChange",{...}]`.
const (
	EventConnectionInit        = 0
	EventIsAlive               = 2
	EventKeepAlive             = 3
	EventConnectionEstablished = 40
	EventConnectionRefused     = 41
	EventContent               = 42
)

// EncodeEvent frames a server-to-client event.
func EncodeEvent(eventID int, eventName string, eventData string) string {
	if eventData != "" {
		eventData = "," + eventData
	}
	return fmt.Sprintf(`%d["%s"%s]`, eventID, eventName, eventData)
}

var eventPattern = regexp.MustCompile(`^(\w+)(?:\["(\w+)"(?:,([\s\S]+))?\])?`)

type wireEvent struct {
	id   string
	name string
	data string
}

// parseEvent splits a raw frame into event id, optional event name, and
// optional payload. Returns nil when the frame does not match the grammar.
func parseEvent(message string) *wireEvent {
	groups := eventPattern.FindStringSubmatch(message)
	if groups == nil {
		return nil
	}
	return &wireEvent{
		id:   groups[1],
		name: groups[2],
		data: groups[3],
	}
}
