package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/webspider/internal/queue"
)

func TestEmitterDispatchOrder(t *testing.T) {
	t.Parallel()
	emitter := NewEmitter()

	var order []string
	emitter.On(EventQueueAdd, func(Event) { order = append(order, "first") })
	emitter.On(EventQueueAdd, func(Event) { order = append(order, "second") })
	emitter.OnAny(func(Event) { order = append(order, "any") })
	emitter.On(EventComplete, func(Event) { order = append(order, "other") })

	emitter.Emit(Event{Name: EventQueueAdd})
	assert.Equal(t, []string{"first", "second", "any"}, order)
}

func TestEmitterOff(t *testing.T) {
	t.Parallel()
	emitter := NewEmitter()

	calls := 0
	id := emitter.On(EventQueueAdd, func(Event) { calls++ })
	emitter.Emit(Event{Name: EventQueueAdd})
	emitter.Off(id)
	emitter.Emit(Event{Name: EventQueueAdd})
	assert.Equal(t, 1, calls)

	// Unknown ids are ignored.
	emitter.Off(9999)
}

func TestEmitterPayloadPassthrough(t *testing.T) {
	t.Parallel()
	emitter := NewEmitter()

	item := &queue.Item{URL: "http://example.com/"}
	var got Event
	emitter.On(EventFetchComplete, func(evt Event) { got = evt })
	emitter.Emit(Event{Name: EventFetchComplete, Item: item, Body: []byte("payload")})

	assert.Same(t, item, got.Item)
	assert.Equal(t, []byte("payload"), got.Body)
}
