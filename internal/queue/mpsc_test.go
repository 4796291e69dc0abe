package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		require.True(t, q.TryPush(Message{Kind: KindLog, Text: string(rune('a' + i))}))
	}
	for i := 0; i < 5; i++ {
		msg, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, string(rune('a'+i)), msg.Text)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestFullQueueDropsAndCounts(t *testing.T) {
	q := New()
	for i := 0; i < Capacity; i++ {
		require.True(t, q.TryPush(Message{Kind: KindLog}))
	}
	assert.False(t, q.TryPush(Message{Kind: KindLog}))
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	q := New()
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(idx int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				// queue full: the record is dropped and counted, per spec
				q.TryPush(Message{Kind: KindStat, ServerIdx: idx, Value: uint32(i)})
			}
		}(p)
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
loop:
	for {
		select {
		case <-done:
			drained += len(q.Drain())
			break loop
		default:
			drained += len(q.Drain())
		}
	}
	assert.Equal(t, uint64(producers*perProducer), uint64(drained)+q.Dropped())
}
