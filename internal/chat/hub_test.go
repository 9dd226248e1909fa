package chat_test

import (
	"errors"
	"testing"

	"github.com/omochice/chat-bridge/internal/chat"
	"github.com/stretchr/testify/assert"
)

func TestHub_Register(t *testing.T) {
	hub := chat.NewHub()
	hub.Register(&chat.Subscriber{})

	assert.Equal(t, 1, hub.SubscriberCount())
}

func TestHub_Register_MultipleSubscribers(t *testing.T) {
	hub := chat.NewHub()

	for i := 0; i < 3; i++ {
		hub.Register(&chat.Subscriber{})
	}

	assert.Equal(t, 3, hub.SubscriberCount())
}

func TestHub_Unregister(t *testing.T) {
	hub := chat.NewHub()
	sub := &chat.Subscriber{}
	hub.Register(sub)

	assert.True(t, hub.Unregister(sub))
	assert.False(t, hub.Unregister(sub), "second unregister is a no-op")
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestHub_Broadcast(t *testing.T) {
	hub := chat.NewHub()

	var got [][]string
	for i := 0; i < 2; i++ {
		idx := len(got)
		got = append(got, nil)
		hub.Register(&chat.Subscriber{Handle: func(data []byte) {
			got[idx] = append(got[idx], string(data))
		}})
	}

	hub.Broadcast([]byte("one"))
	hub.Broadcast([]byte("two"))

	for _, g := range got {
		assert.Equal(t, []string{"one", "two"}, g)
	}
}

func TestHub_Broadcast_HandlerMayUnregisterItself(t *testing.T) {
	hub := chat.NewHub()

	calls := 0
	sub := &chat.Subscriber{}
	sub.Handle = func([]byte) {
		calls++
		hub.Unregister(sub)
	}
	hub.Register(sub)

	hub.Broadcast([]byte("x"))
	hub.Broadcast([]byte("y"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestHub_CloseAll(t *testing.T) {
	hub := chat.NewHub()
	cause := errors.New("gone")

	var closed []error
	for i := 0; i < 2; i++ {
		hub.Register(&chat.Subscriber{Close: func(err error) { closed = append(closed, err) }})
	}
	hub.Register(&chat.Subscriber{})

	hub.CloseAll(cause)

	assert.Equal(t, []error{cause, cause}, closed)
	assert.Equal(t, 0, hub.SubscriberCount())
}
