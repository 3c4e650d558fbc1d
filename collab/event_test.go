package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeEvent(t *testing.T) {
	assert.Equal(t, `42["saveRevision",1]`, EncodeEvent(EventContent, "saveRevision", "1"))
	assert.Equal(t, `42["alreadyLoggedIn"]`, EncodeEvent(EventContent, "alreadyLoggedIn", ""))
}

func TestParseEvent(t *testing.T) {
	event := parseEvent("2")
	assert.Equal(t, "2", event.id)
	assert.Equal(t, "", event.name)
	assert.Equal(t, "", event.data)

	event = parseEvent(`42["submitChange",{"backtrack":0}]`)
	assert.Equal(t, "42", event.id)
	assert.Equal(t, "submitChange", event.name)
	assert.Equal(t, `{"backtrack":0}`, event.data)

	event = parseEvent(`42["logEvent"]`)
	assert.Equal(t, "logEvent", event.name)
	assert.Equal(t, "", event.data)
}

func TestParseEventRejectsGarbage(t *testing.T) {
	assert.Equal(t, (*wireEvent)(nil), parseEvent(""))
	assert.Equal(t, (*wireEvent)(nil), parseEvent("!!"))
}
