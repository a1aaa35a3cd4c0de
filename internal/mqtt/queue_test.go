package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(q *offlineQueue, from, to int) {
	for i := from; i < to; i++ {
		q.add(queuedMsg{topic: Topic, payload: []byte{byte(i)}})
	}
}

func payloadBytes(msgs []queuedMsg) []byte {
	var out []byte
	for _, m := range msgs {
		out = append(out, m.payload[0])
	}
	return out
}

func TestOfflineQueueTake(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		adds    int
		want    []byte
		dropped int
	}{
		{"empty", 4, 0, nil, 0},
		{"partial", 4, 3, []byte{0, 1, 2}, 0},
		{"full", 4, 4, []byte{0, 1, 2, 3}, 0},
		{"overwrites oldest", 4, 7, []byte{3, 4, 5, 6}, 3},
		{"wraps twice", 3, 8, []byte{5, 6, 7}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newOfflineQueue(tt.size)
			fill(q, 0, tt.adds)
			assert.Equal(t, tt.dropped, q.dropped)

			got := q.take()
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				assert.Equal(t, tt.want, payloadBytes(got))
			}
			assert.Zero(t, q.len())
			assert.Zero(t, q.dropped)
			assert.Nil(t, q.take())
		})
	}
}

func TestOfflineQueueReusedAfterTake(t *testing.T) {
	q := newOfflineQueue(4)
	fill(q, 0, 3)
	q.take()

	fill(q, 10, 16)
	assert.Equal(t, 4, q.len())
	assert.Equal(t, []byte{12, 13, 14, 15}, payloadBytes(q.take()))
}

func TestOfflineQueueKeepsMessage(t *testing.T) {
	q := newOfflineQueue(2)
	q.add(queuedMsg{topic: TopicSystem, payload: []byte(`{"system":{}}`), qos: 1, retained: true})

	got := q.take()
	require.Len(t, got, 1)
	assert.Equal(t, queuedMsg{topic: TopicSystem, payload: []byte(`{"system":{}}`), qos: 1, retained: true}, got[0])
}
