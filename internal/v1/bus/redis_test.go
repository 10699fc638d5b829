package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "", 0)
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	err := svc.Ping(context.Background())
	assert.NoError(t, err)
}

func TestNilService_NoOps(t *testing.T) {
	var svc *Service

	ctx := context.Background()
	assert.NoError(t, svc.Publish(ctx, Payload{Event: "x"}))
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
	assert.NoError(t, svc.SetAdd(ctx, "k", "v"))
	assert.NoError(t, svc.SetRem(ctx, "k", "v"))

	members, err := svc.SetMembers(ctx, "k")
	assert.NoError(t, err)
	assert.Empty(t, members)

	// Subscribe on a nil service must not spawn anything
	svc.Subscribe(ctx, nil, func(Payload) { t.Fatal("handler should never fire") })
	assert.Nil(t, svc.Client())
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	// Subscribe manually to check if message arrives
	sub := svc.Client().Subscribe(ctx, eventsTopic)
	defer func() { _ = sub.Close() }()

	// Wait for subscription to be active
	time.Sleep(50 * time.Millisecond)

	data, _ := json.Marshal(map[string]string{"type": "chat-message", "content": "hi"})
	err := svc.Publish(ctx, Payload{
		RoomId:   "lounge",
		Event:    "chat-message",
		Data:     data,
		SenderId: "instance-1",
	})
	assert.NoError(t, err)

	// Receive
	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope Payload
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, "lounge", envelope.RoomId)
	assert.Equal(t, "chat-message", envelope.Event)
	assert.Equal(t, "instance-1", envelope.SenderId)
	assert.NotZero(t, envelope.SentAt)
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}

	received := make(chan Payload, 1)
	handler := func(p Payload) {
		received <- p
	}

	svc.Subscribe(ctx, wg, handler)

	// Wait for subscription
	time.Sleep(50 * time.Millisecond)

	// Publish from "another instance" (directly via redis client)
	payload := Payload{
		RoomId:   "lounge",
		Event:    "hello",
		SenderId: "instance-2",
	}
	bytes, _ := json.Marshal(payload)
	svc.Client().Publish(ctx, eventsTopic, bytes)

	select {
	case p := <-received:
		assert.Equal(t, "hello", p.Event)
		assert.Equal(t, "instance-2", p.SenderId)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	// Cancel context to stop subscription
	cancel()
	wg.Wait()
}

func TestSubscribe_IgnoresMalformed(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	received := make(chan Payload, 1)
	svc.Subscribe(ctx, wg, func(p Payload) { received <- p })

	time.Sleep(50 * time.Millisecond)

	svc.Client().Publish(ctx, eventsTopic, "{not json")
	good, _ := json.Marshal(Payload{Event: "ok"})
	svc.Client().Publish(ctx, eventsTopic, good)

	select {
	case p := <-received:
		assert.Equal(t, "ok", p.Event)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for the well-formed message")
	}

	cancel()
	wg.Wait()
}

func TestPresenceSets(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	// Online set
	assert.NoError(t, svc.SetAdd(ctx, OnlineUsersKey, "alice"))
	assert.NoError(t, svc.SetAdd(ctx, OnlineUsersKey, "bob"))

	members, err := svc.SetMembers(ctx, OnlineUsersKey)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	// Voice channel mirror
	key := VoiceChannelKey("lounge")
	assert.Equal(t, "presence:voice:lounge", key)
	assert.NoError(t, svc.SetAdd(ctx, key, "alice"))
	assert.NoError(t, svc.SetRem(ctx, key, "alice"))

	members, err = svc.SetMembers(ctx, key)
	assert.NoError(t, err)
	assert.Empty(t, members)

	// Offline
	assert.NoError(t, svc.SetRem(ctx, OnlineUsersKey, "alice"))
	members, err = svc.SetMembers(ctx, OnlineUsersKey)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob"}, members)
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)

	// Kill redis
	mr.Close()

	ctx := context.Background()

	err := svc.Ping(ctx)
	assert.Error(t, err)

	// Repeated failures eventually trip the breaker; calls must not panic and
	// publishes degrade to drops.
	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, Payload{Event: "event"})
	}
	_ = svc.Publish(ctx, Payload{Event: "event"})
}

func TestSetOperations_ErrorPaths(t *testing.T) {
	svc, mr := newTestService(t)
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "test-error-set"

	require.NoError(t, svc.SetAdd(ctx, key, "m1"))
	require.NoError(t, svc.SetAdd(ctx, key, "m2"))

	members, err := svc.SetMembers(ctx, key)
	assert.NoError(t, err)
	assert.Len(t, members, 2)

	// Test with closed Redis
	mr.Close()

	err = svc.SetAdd(ctx, key, "m4")
	assert.Error(t, err)

	err = svc.SetRem(ctx, key, "m1")
	assert.Error(t, err)

	_, err = svc.SetMembers(ctx, key)
	assert.Error(t, err)
}
