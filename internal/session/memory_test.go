package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/groupfill/internal/config"
)

func TestMemorySessionRecordsAndFails(t *testing.T) {
	o, err := NewMemoryOpenerFromConfig(config.SessionConfig{
		Memory: &config.MemoryConfig{FailMembers: []string{"user3"}},
	})
	require.NoError(t, err)

	s, err := o.Open(context.Background(), Endpoint{URI: "mem://"})
	require.NoError(t, err)

	ok, err := s.Invoke(context.Background(), "Add", map[string]string{"Member": "user1"})
	require.NoError(t, err)
	assert.True(t, ok.Succeeded)

	bad, err := s.Invoke(context.Background(), "Add", map[string]string{"Member": "user3"})
	require.NoError(t, err)
	assert.False(t, bad.Succeeded)
	assert.NotEmpty(t, bad.Errors)

	ms := o.(*MemoryOpener).Sessions()
	require.Len(t, ms, 1)
	assert.Len(t, ms[0].Calls(), 2)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), ErrClosed)
	assert.Equal(t, 2, ms[0].CloseCount())

	_, err = s.Invoke(context.Background(), "Add", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryOpenError(t *testing.T) {
	o := &MemoryOpener{OpenErr: errors.New("dns failure")}
	_, err := o.Open(context.Background(), Endpoint{URI: "mem://x"})
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "mem://x")
}

func TestMemorySessionConcurrentPeak(t *testing.T) {
	o := &MemoryOpener{Latency: 20 * time.Millisecond}
	s, err := o.Open(context.Background(), Endpoint{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Invoke(context.Background(), "Add", nil)
		}()
	}
	wg.Wait()

	ms := s.(*MemorySession)
	assert.Equal(t, 3, ms.Peak())
	assert.Len(t, ms.Calls(), 3)
}

func TestMemoryInvokeHonorsContext(t *testing.T) {
	o := &MemoryOpener{Latency: time.Second}
	s, err := o.Open(context.Background(), Endpoint{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Invoke(ctx, "Add", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
