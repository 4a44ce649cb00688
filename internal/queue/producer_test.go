package queue

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

// silentBroker accepts TCP connections and never answers the AMQP handshake.
func silentBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "amqp://guest:guest@" + ln.Addr().String() + "/"
}

func TestNewProducerGivesUpOnSilentBroker(t *testing.T) {
	url := silentBroker(t)

	start := time.Now()
	_, err := NewProducer(url, DefaultTopology(), 200*time.Millisecond, testutil.TestLogger())
	require.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPublishToSilentBrokerIsBounded(t *testing.T) {
	p := newProducer(silentBroker(t), DefaultTopology(), 200*time.Millisecond, testutil.TestLogger())
	span := model.Span{ID: uuid.New(), TraceID: uuid.New(), ProjectID: uuid.New(), Name: "step"}

	const callers = 4
	errs := make(chan error, callers)
	start := time.Now()
	for range callers {
		go func() { errs <- p.Publish(context.Background(), span) }()
	}

	// Health checks must not queue behind the stalled dial.
	healthy := make(chan bool, 1)
	go func() { healthy <- p.Healthy() }()
	select {
	case h := <-healthy:
		assert.False(t, h)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Healthy blocked while the producer was dialing")
	}

	for range callers {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrChannelUnavailable)
		case <-time.After(3 * time.Second):
			t.Fatal("Publish did not honor the publish timeout")
		}
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	require.NoError(t, p.Close())
}

func TestPublishHonorsCallerContext(t *testing.T) {
	p := newProducer(silentBroker(t), DefaultTopology(), 5*time.Second, testutil.TestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Publish(ctx, model.Span{ID: uuid.New(), TraceID: uuid.New(), ProjectID: uuid.New(), Name: "step"})
	require.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}
