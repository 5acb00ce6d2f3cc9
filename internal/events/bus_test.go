package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/model"
)

func TestTrigger_DeliversToSubscribers(t *testing.T) {
	b := NewBus()
	var got []Event
	b.On("glossary-entry-auto-synced", "", func(e Event) { got = append(got, e) })

	payload := AutoSynced{Resource: model.ResourceRef{SiteID: "s1", ResourceType: "glossary-entry", ResourceKey: "g1"}, Updated: true}
	b.Trigger(AutoSyncedEvent("glossary-entry"), payload, "s1")

	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SiteID)
	assert.Equal(t, payload, got[0].Payload)
}

func TestTrigger_SiteFilter(t *testing.T) {
	b := NewBus()
	var site1, all int
	b.On("x", "s1", func(Event) { site1++ })
	b.On("x", "", func(Event) { all++ })

	b.Trigger("x", nil, "s1")
	b.Trigger("x", nil, "s2")
	b.Trigger("x", nil, "")

	assert.Equal(t, 1, site1)
	assert.Equal(t, 3, all)
}

func TestTrigger_OtherNamesNotDelivered(t *testing.T) {
	b := NewBus()
	called := false
	b.On(ChangedEvent("rating"), "", func(Event) { called = true })

	b.Trigger(ChangedEvent("blog-entry"), nil, "s1")
	assert.False(t, called)
}

func TestTrigger_NoReplayForLateSubscribers(t *testing.T) {
	b := NewBus()
	b.Trigger("x", nil, "s1")

	called := false
	b.On("x", "", func(Event) { called = true })
	assert.False(t, called)
}

func TestTrigger_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := NewBus()
	reached := false
	b.On("x", "", func(Event) { panic("observer bug") })
	b.On("x", "", func(Event) { reached = true })

	assert.NotPanics(t, func() { b.Trigger("x", nil, "s1") })
	assert.True(t, reached)
}

func TestSubscription_Off(t *testing.T) {
	b := NewBus()
	count := 0
	sub := b.On("x", "", func(Event) { count++ })
	keep := b.On("x", "", func(Event) {})

	b.Trigger("x", nil, "")
	sub.Off()
	sub.Off()
	b.Trigger("x", nil, "")

	assert.Equal(t, 1, count)
	assert.Equal(t, 1, b.Subscribers("x"))

	keep.Off()
	assert.Equal(t, 0, b.Subscribers("x"))
}

func TestTrigger_HandlerMaySubscribe(t *testing.T) {
	b := NewBus()
	b.On("x", "", func(Event) {
		b.On("y", "", func(Event) {})
	})

	assert.NotPanics(t, func() { b.Trigger("x", nil, "") })
	assert.Equal(t, 1, b.Subscribers("y"))
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "forum-reply-auto-synced", AutoSyncedEvent("forum-reply"))
	assert.Equal(t, "forum-reply-changed", ChangedEvent("forum-reply"))
}
