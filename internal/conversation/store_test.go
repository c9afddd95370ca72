package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore(ttl time.Duration) (*MemoryStore, *clock) {
	clk := &clock{t: t0}
	s := NewMemoryStore(ttl)
	s.now = clk.now
	return s, clk
}

func TestMemoryStore_LoadUnknownIsEmpty(t *testing.T) {
	s, _ := newTestMemoryStore(time.Minute)

	conv, err := s.Load(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, "new", conv.ID)
	assert.Empty(t, conv.Turns)
	assert.Zero(t, s.Len(), "loading must not create a session")
}

func TestMemoryStore_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(time.Minute)

	require.NoError(t, s.Append(ctx, "s1", userTurn("hi")))
	require.NoError(t, s.SetConfig(ctx, "s1", ConfigLanguage, "German"))
	require.NoError(t, s.Append(ctx, "s2", userTurn("other")))

	conv, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	assert.Equal(t, "hi", conv.Turns[0].Content)
	assert.Equal(t, "German", conv.Get(ConfigLanguage))
	assert.Equal(t, 2, s.Len())

	// Mutating a loaded copy does not touch the store
	conv.Turns[0].Content = "changed"
	again, _ := s.Load(ctx, "s1")
	assert.Equal(t, "hi", again.Turns[0].Content)
}

func TestMemoryStore_AppendValidates(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(time.Minute)

	err := s.Append(ctx, "s1", resultTurn("call-1", "getQuote", "{}"))
	assert.ErrorIs(t, err, ErrInvalidTurn)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestMemoryStore(time.Minute)

	require.NoError(t, s.Append(ctx, "old", userTurn("hi")))
	clk.advance(45 * time.Second)
	require.NoError(t, s.Append(ctx, "fresh", userTurn("hi")))
	clk.advance(30 * time.Second)

	conv, err := s.Load(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, conv.Turns, "expired conversation should load empty")

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())

	conv, _ = s.Load(ctx, "fresh")
	assert.Len(t, conv.Turns, 1)
}

func TestMemoryStore_NoTTL(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestMemoryStore(0)

	require.NoError(t, s.Append(ctx, "s1", userTurn("hi")))
	clk.advance(24 * time.Hour)

	assert.Zero(t, s.Sweep())
	conv, _ := s.Load(ctx, "s1")
	assert.Len(t, conv.Turns, 1)
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestMemoryStore(time.Minute)

	require.NoError(t, s.Append(ctx, "s1", userTurn("hi")))
	require.NoError(t, s.Delete(ctx, "s1"))
	assert.Zero(t, s.Len())
}

func TestMemoryStore_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%4)
			_ = s.Append(ctx, id, userTurn("q"), Turn{Role: RoleAssistant, Content: "a"})
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < 4; i++ {
		conv, err := s.Load(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		total += len(conv.Turns)
	}
	assert.Equal(t, 40, total)
}

func TestMemoryStore_Janitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, clk := newTestMemoryStore(time.Minute)
	require.NoError(t, s.Append(ctx, "s1", userTurn("hi")))
	clk.advance(2 * time.Minute)

	s.StartJanitor(ctx, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
}
