package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversUnderPrefix(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe("d/0001", 4)
	defer sub.Close()

	b.Publish("d/0001/h/state", U32(5))
	b.Publish("d/0002/h/state", U32(9))
	b.Publish("d/00012/h/state", U32(9)) // sibling, not a child

	msg := <-sub.C()
	assert.Equal(t, "d/0001/h/state", msg.Topic)
	assert.Equal(t, uint32(5), msg.Value.AsU32())
	assert.Empty(t, sub.C())
}

func TestBusExactTopicSubscription(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe("d/0001/@/!open#", 1)
	defer sub.Close()

	b.Publish("d/0001/@/!open#", I32(0))
	msg := <-sub.C()
	assert.Equal(t, int32(0), msg.Value.AsI32())
}

func TestBusRetainedDeliveredOnSubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	b.PublishRetained("d/0001/h/state", U32(3))

	sub := b.Subscribe("d/0001", 4)
	defer sub.Close()

	msg := <-sub.C()
	assert.Equal(t, "d/0001/h/state", msg.Topic)
	assert.Equal(t, uint32(3), msg.Value.AsU32())

	v, ok := b.Retained("d/0001/h/state")
	require.True(t, ok)
	assert.Equal(t, uint32(3), v.AsU32())
}

func TestBusNoEchoToPublisher(t *testing.T) {
	b := NewBus()
	defer b.Close()

	self := b.Subscribe("d/0001", 4)
	defer self.Close()
	other := b.Subscribe("d/0001", 4)
	defer other.Close()

	self.Publish("d/0001/h/state", U32(1))

	msg := <-other.C()
	assert.Equal(t, "d/0001/h/state", msg.Topic)
	assert.Empty(t, self.C())
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe("", 1)
	defer sub.Close()

	b.Publish("a", U32(1))
	b.Publish("a", U32(2))

	msg := <-sub.C()
	assert.Equal(t, uint32(2), msg.Value.AsU32())
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe("", 1)
	b.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)

	// safe after close
	b.Publish("a", Null())
	sub.Close()
}
