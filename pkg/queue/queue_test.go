package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp-ignite/agent/pkg/types"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return b
}

func TestAdmissionBoundary(t *testing.T) {
	q := New(1024, 256)

	// fills below the threshold are admitted
	assert.True(t, q.Enqueue(payload(500)))
	assert.True(t, q.Enqueue(payload(500)))
	assert.Equal(t, int64(1000), q.SizeBytes())

	// size + len >= threshold flips to reject
	assert.False(t, q.Enqueue(payload(100)))
}

func TestHysteresisRecovery(t *testing.T) {
	q := New(1024, 256)
	require.True(t, q.Enqueue(payload(100)))
	require.True(t, q.Enqueue(payload(900)))
	require.False(t, q.Enqueue(payload(100)))

	// after the first rejection the threshold drops to max - window;
	// draining a little is not enough to re-admit
	q.Drain(1)
	assert.Equal(t, int64(900), q.SizeBytes())
	// 900 + 300 >= 768 soft cap -> still rejected
	assert.False(t, q.Enqueue(payload(300)))

	// drained below max - window: full threshold restored
	q.Drain(1)
	assert.Equal(t, int64(0), q.SizeBytes())
	assert.True(t, q.Enqueue(payload(300)))
}

func TestOverflowSummaryEmitted(t *testing.T) {
	q := New(1024, 256)
	require.True(t, q.Enqueue(payload(900)))

	// two rejections accumulate
	require.False(t, q.Enqueue(payload(200)))
	require.False(t, q.Enqueue(payload(300)))

	q.Drain(1)
	require.True(t, q.Enqueue(payload(100)))

	// the summary rides ahead of the admitted event
	items := q.Drain(10)
	require.Len(t, items, 2)

	summary, err := types.ParseEvent(items[0])
	require.NoError(t, err)
	assert.Equal(t, types.EventCacheOverflow, summary.EventID)
	assert.EqualValues(t, 2, summary.Field("count"))
	assert.EqualValues(t, 500, summary.Field("bytes"))
	assert.NotNil(t, summary.Field("startTs"))
	assert.NotNil(t, summary.Field("endTs"))

	// counters reset after emission: next admission emits no summary
	require.True(t, q.Enqueue(payload(10)))
	items = q.Drain(10)
	require.Len(t, items, 1)
}

func TestDrainRespectsMax(t *testing.T) {
	q := New(4096, 256)
	for i := 0; i < 10; i++ {
		require.True(t, q.Enqueue(payload(10)))
	}
	batch := q.Drain(4)
	assert.Len(t, batch, 4)
	assert.Equal(t, 6, q.Len())
}

func TestClosedQueueRefuses(t *testing.T) {
	q := New(1024, 256)
	q.Close()
	assert.False(t, q.Enqueue(payload(10)))
}
