package main

import (
	"bytes"
	"testing"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/events"
	"github.com/stretchr/testify/assert"
)

func TestPrinterSkipsStreamingAndRepeats(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, seen: make(map[string]string)}

	msg := domain.ChatMessage{ID: "a1", Role: domain.RoleAssistant, Content: "Hi", Streaming: true}
	p.handle(events.Event{Type: events.MessageAppended, Message: &msg})

	msg.Streaming = false
	msg.Content = "Hi there"
	p.handle(events.Event{Type: events.MessageUpdated, Message: &msg})
	p.handle(events.Event{Type: events.MessageUpdated, Message: &msg})

	user := domain.ChatMessage{ID: "u1", Role: domain.RoleUser, Content: "Hello"}
	p.handle(events.Event{Type: events.MessageAppended, Message: &user})

	assert.Equal(t, "assistant> Hi there\n", buf.String())
}

func TestPrinterLabels(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, seen: make(map[string]string)}

	work := domain.ChatMessage{ID: "a1", Role: domain.RoleAssistant, Content: "Working on it...", Processing: true}
	p.handle(events.Event{Type: events.MessageAppended, Message: &work})

	note := domain.ChatMessage{ID: "n1", Role: domain.RoleAssistant, Content: "Authentication required"}
	note.SetMeta(domain.MetaSystemNote, true)
	p.handle(events.Event{Type: events.MessageAppended, Message: &note})
	p.handle(events.Event{Type: events.SessionLost, Reason: "socket closed by policy"})

	phase := domain.ChatMessage{ID: "a2", Role: domain.RoleAssistant, Content: "Convening the experts."}
	phase.SetMeta(domain.MetaPhase, domain.PhaseMeetingStart)
	p.handle(events.Event{Type: events.MessageAppended, Message: &phase})

	p.handle(events.Event{Type: events.Error, Failure: &events.Failure{Kind: "timeout", Message: "Request timed out"}})

	assert.Equal(t, "working> Working on it...\n"+
		"notice> Authentication required\n"+
		"session lost: socket closed by policy\n"+
		"assistant (meeting_start)> Convening the experts.\n"+
		"error [timeout]: Request timed out\n", buf.String())
}
