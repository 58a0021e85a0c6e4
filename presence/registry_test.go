package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_IsIdempotent(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, 1, r.Join("doc-1", "s1", nil))
	assert.Equal(t, 1, r.Join("doc-1", "s1", nil))
	assert.Equal(t, 2, r.Join("doc-1", "s2", nil))
	assert.Equal(t, 2, r.Count("doc-1"))
}

func TestCount_UnknownDocument(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Count("missing"))
	assert.Nil(t, r.Members("missing"))
}

func TestLeave_AbsentSessionIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", "s1", nil)

	called := false
	n := r.Leave("doc-1", "s2", func(string, []string) { called = true })

	assert.Equal(t, 1, n)
	assert.False(t, called)
	assert.Equal(t, 0, r.Leave("other", "s1", nil))
}

func TestLeave_DropsEmptyRoom(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", "s1", nil)

	assert.Equal(t, 0, r.Leave("doc-1", "s1", nil))
	assert.Empty(t, r.Rooms())
}

func TestRoomFunc_SeesStateAfterMutation(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", "a", nil)

	var seen []string
	r.Join("doc-1", "b", func(documentID string, members []string) {
		assert.Equal(t, "doc-1", documentID)
		seen = members
	})
	assert.Equal(t, []string{"a", "b"}, seen)

	r.Leave("doc-1", "a", func(_ string, members []string) { seen = members })
	assert.Equal(t, []string{"b"}, seen)
}

func TestLeaveAll_RemovesEveryMembership(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", "s1", nil)
	r.Join("doc-2", "s1", nil)
	r.Join("doc-2", "s2", nil)

	counts := map[string]int{}
	left := r.LeaveAll("s1", func(documentID string, members []string) {
		counts[documentID] = len(members)
	})

	assert.Equal(t, []string{"doc-1", "doc-2"}, left)
	assert.Equal(t, map[string]int{"doc-1": 0, "doc-2": 1}, counts)
	assert.Equal(t, 0, r.Count("doc-1"))
	assert.Equal(t, 1, r.Count("doc-2"))
}

func TestLeaveAll_NeverJoined(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.LeaveAll("ghost", nil))
}

func TestRooms_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Join("doc-1", "s1", nil)
	r.Join("doc-1", "s2", nil)
	r.Join("doc-2", "s3", nil)

	assert.Equal(t, map[string]int{"doc-1": 2, "doc-2": 1}, r.Rooms())
}

func TestConcurrentJoinLeave_CountIsAccurate(t *testing.T) {
	r := NewRegistry()

	const sessions = 200
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			r.Join("doc-1", id, nil)
			if i%2 == 0 {
				r.LeaveAll(id, nil)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, sessions/2, r.Count("doc-1"))
	for _, id := range r.Members("doc-1") {
		var n int
		_, err := fmt.Sscanf(id, "s%d", &n)
		require.NoError(t, err)
		assert.Equal(t, 1, n%2, "session %s should have left", id)
	}
}

func TestConcurrentChurn_RoomRecreatedAfterClose(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			for j := 0; j < 20; j++ {
				r.Join("doc-1", id, nil)
				r.Leave("doc-1", id, nil)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count("doc-1"))
	assert.Empty(t, r.Rooms())

	r.Join("doc-1", "late", nil)
	assert.Equal(t, 1, r.Count("doc-1"))
}
