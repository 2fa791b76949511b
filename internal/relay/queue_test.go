package relay

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendQueuePreservesOrder(t *testing.T) {
	q := newSendQueue()
	q.Push(websocket.TextMessage, []byte("one"))
	q.Push(websocket.TextMessage, []byte("two"))
	q.Push(websocket.PongMessage, []byte("three"))

	msg, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "one", string(msg.data))

	msg, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, "two", string(msg.data))

	msg, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, websocket.PongMessage, msg.messageType)
}

func TestSendQueueDrainsAfterClose(t *testing.T) {
	q := newSendQueue()
	q.Push(websocket.TextMessage, []byte("queued"))
	q.Close()

	msg, ok := q.Pop()
	require.True(t, ok, "messages queued before Close are still delivered")
	assert.Equal(t, "queued", string(msg.data))

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestSendQueueDropsPushAfterClose(t *testing.T) {
	q := newSendQueue()
	q.Close()
	q.Push(websocket.TextMessage, []byte("late"))

	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestSendQueuePopBlocksUntilPush(t *testing.T) {
	q := newSendQueue()
	got := make(chan wsMessage, 1)

	go func() {
		msg, ok := q.Pop()
		if ok {
			got <- msg
		}
	}()

	// Give the consumer a moment to block on the empty queue.
	time.Sleep(10 * time.Millisecond)
	q.Push(websocket.TextMessage, []byte("wake"))

	select {
	case msg := <-got:
		assert.Equal(t, "wake", string(msg.data))
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up")
	}
}

func TestSendQueueCloseWakesBlockedPop(t *testing.T) {
	q := newSendQueue()
	done := make(chan bool, 1)

	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Close")
	}
}
