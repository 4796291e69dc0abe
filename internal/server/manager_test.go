package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pegasproxy/internal/config"
	"pegasproxy/internal/queue"
)

func testServers(n int) []config.Server {
	out := make([]config.Server, n)
	for i := range out {
		out[i] = config.Server{Address: "example.com", Port: 443}
	}
	return out
}

func TestActiveDefaultsToZero(t *testing.T) {
	m := New(testServers(2))
	idx, _ := m.Active()
	assert.Equal(t, 0, idx)
}

func TestSetActiveValidatesRange(t *testing.T) {
	m := New(testServers(2))
	assert.True(t, m.SetActive(1))
	idx, _ := m.Active()
	assert.Equal(t, 1, idx)

	assert.False(t, m.SetActive(5))
	idx, _ = m.Active()
	assert.Equal(t, 1, idx)
}

func TestDrainAppliesStatsAndReturnsLogs(t *testing.T) {
	m := New(testServers(2))
	q := queue.New()

	require.True(t, q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 0, StatK: queue.StatG204DelayMS, Value: 120}))
	require.True(t, q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 1, StatK: queue.StatG204DelayMS, Value: 40}))
	require.True(t, q.TryPush(queue.Message{Kind: queue.KindLog, Level: "info", Text: "probe complete"}))

	logs := m.Drain(q)
	require.Len(t, logs, 1)
	assert.Equal(t, "probe complete", logs[0].Text)

	assert.Equal(t, uint32(120), m.Stats(0).G204DelayMS)
	assert.Equal(t, uint32(40), m.Stats(1).G204DelayMS)
}

func TestPickDefaultChoosesLowestLatencyBreakingTiesByIndex(t *testing.T) {
	m := New(testServers(3))
	q := queue.New()
	q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 0, StatK: queue.StatG204DelayMS, Value: 50})
	q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 1, StatK: queue.StatG204DelayMS, Value: 50})
	q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 2, StatK: queue.StatG204DelayMS, Value: 10})
	m.Drain(q)

	best := m.PickDefault()
	assert.Equal(t, 2, best)
	idx, _ := m.Active()
	assert.Equal(t, 2, idx)
}

func TestPickDefaultIgnoresUnprobedAndUnhealthyServers(t *testing.T) {
	m := New(testServers(3))
	q := queue.New()
	// server 0 never probed (G204DelayMS stays 0); server 1 is unhealthy;
	// only server 2 has a usable reading, and it must win even though its
	// raw value is larger than zero-valued server 0's.
	q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 1, StatK: queue.StatG204DelayMS, Value: unhealthySentinel})
	q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 2, StatK: queue.StatG204DelayMS, Value: 75})
	m.Drain(q)

	best := m.PickDefault()
	assert.Equal(t, 2, best)
}

func TestPickDefaultKeepsIndexZeroWhenNoneProbed(t *testing.T) {
	m := New(testServers(3))
	assert.Equal(t, 0, m.PickDefault())
}

func TestAutoSelectSkipsOnceOperatorPinsActive(t *testing.T) {
	m := New(testServers(3))
	q := queue.New()
	q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 2, StatK: queue.StatG204DelayMS, Value: 5})
	m.Drain(q)

	require.True(t, m.SetActive(1))
	m.AutoSelect()

	idx, _ := m.Active()
	assert.Equal(t, 1, idx, "pinned selection must survive AutoSelect")
}

func TestAutoSelectAppliesLatencyChoiceWhenUnpinned(t *testing.T) {
	m := New(testServers(3))
	q := queue.New()
	q.TryPush(queue.Message{Kind: queue.KindStat, ServerIdx: 2, StatK: queue.StatG204DelayMS, Value: 5})
	m.Drain(q)

	m.AutoSelect()

	idx, _ := m.Active()
	assert.Equal(t, 2, idx)
}
