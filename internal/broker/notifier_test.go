package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrkit/omr/internal/broker"
	"github.com/omrkit/omr/internal/broker/brokertest"
	"github.com/omrkit/omr/internal/log"
	"github.com/omrkit/omr/internal/protocol"
)

func newTestNotifier(t *testing.T) *broker.Notifier {
	t.Helper()
	n, err := broker.NewNotifier(broker.NotifierConfig{Logger: log.Noop})
	require.NoError(t, err)
	return n
}

func TestNotifierNotifyProgress(t *testing.T) {
	tests := map[string]struct {
		register  string
		sessionID string
		expSent   bool
	}{
		"A registered session should receive the progress.": {
			register:  "s1",
			sessionID: "s1",
			expSent:   true,
		},

		"An unknown session should be ignored.": {
			register:  "s1",
			sessionID: "s2",
		},

		"An empty session should be ignored.": {
			register: "s1",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			n := newTestNotifier(t)
			socket := brokertest.NewSocket()
			n.Register(test.register, socket)

			sent := n.NotifyProgress(test.sessionID, "t1", "halfway")
			assert.Equal(t, test.expSent, sent)

			if !test.expSent {
				assert.Empty(t, socket.Written())
				return
			}

			msg, ok := socket.Next(time.Second)
			require.True(t, ok)
			assert.Equal(t, protocol.StatusProgress, msg.Status)
			var p protocol.Progress
			require.NoError(t, msg.DecodeData(&p))
			assert.Equal(t, protocol.Progress{TaskID: "t1", Message: "halfway"}, p)
		})
	}
}

func TestNotifierUnregister(t *testing.T) {
	n := newTestNotifier(t)

	old := n.Register("s1", brokertest.NewSocket())
	newer := n.Register("s1", brokertest.NewSocket())
	assert.Equal(t, 1, n.Len())

	assert.False(t, n.Unregister(old))
	assert.Equal(t, 1, n.Len())

	assert.True(t, n.Unregister(newer))
	assert.Equal(t, 0, n.Len())
	assert.False(t, n.NotifyProgress("s1", "t1", "late"))
}

func TestNotifierBroadcastWorkerCount(t *testing.T) {
	n := newTestNotifier(t)
	s1 := brokertest.NewSocket()
	s2 := brokertest.NewSocket()
	n.Register("s1", s1)
	n.Register("s2", s2)

	n.BroadcastWorkerCount(3)

	for _, s := range []*brokertest.Socket{s1, s2} {
		msg, ok := s.Next(time.Second)
		require.True(t, ok)
		assert.Equal(t, protocol.StatusWorkerCount, msg.Status)
		var wc protocol.WorkerCount
		require.NoError(t, msg.DecodeData(&wc))
		assert.Equal(t, 3, wc.NumWorkers)
	}
}

func TestNotifierServe(t *testing.T) {
	n := newTestNotifier(t)
	socket := brokertest.NewSocket()

	done := make(chan error, 1)
	go func() { done <- n.Serve(context.Background(), socket, func() int { return 2 }) }()

	// Greeting with the current worker count.
	msg, ok := socket.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusWorkerCount, msg.Status)

	register, err := protocol.NewCommand(protocol.CommandRegisterSession, "s1")
	require.NoError(t, err)
	require.NoError(t, socket.Deliver(register))
	require.Eventually(t, func() bool { return n.Len() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, n.NotifyProgress("s1", "t1", "hello"))
	msg, ok = socket.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusProgress, msg.Status)

	// Re-registering under another id moves the session.
	register, err = protocol.NewCommand(protocol.CommandRegisterSession, "s2")
	require.NoError(t, err)
	require.NoError(t, socket.Deliver(register))
	require.Eventually(t, func() bool { return !n.NotifyProgress("s1", "t1", "x") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, n.Len())

	require.NoError(t, socket.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("serve should end when the connection breaks")
	}
	assert.Equal(t, 0, n.Len())
}

func TestNotifierStalledFrontendDropsMessages(t *testing.T) {
	n, err := broker.NewNotifier(broker.NotifierConfig{OutboxSize: 1, Logger: log.Noop})
	require.NoError(t, err)

	socket := brokertest.NewSocket()
	socket.BlockWrites()
	n.Register("s1", socket)

	// Sends never block, once the queue is full the messages are dropped.
	assert.Eventually(t, func() bool { return !n.NotifyProgress("s1", "t1", "tick") }, time.Second, time.Millisecond)
	n.BroadcastWorkerCount(1)

	socket.UnblockWrites()
	msg, ok := socket.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusProgress, msg.Status)
}

func TestNotifierServeClosesStalledFrontend(t *testing.T) {
	n, err := broker.NewNotifier(broker.NotifierConfig{WriteTimeout: 50 * time.Millisecond, Logger: log.Noop})
	require.NoError(t, err)

	socket := brokertest.NewSocket()
	socket.BlockWrites()

	done := make(chan error, 1)
	go func() { done <- n.Serve(context.Background(), socket, func() int { return 1 }) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve should end when the frontend stops reading")
	}
	assert.True(t, socket.IsClosed())
	assert.Equal(t, 0, n.Len())
}

func TestNotifierServeLegacyRegistration(t *testing.T) {
	n := newTestNotifier(t)
	socket := brokertest.NewSocket()

	go func() { _ = n.Serve(context.Background(), socket, func() int { return 0 }) }()
	t.Cleanup(func() { _ = socket.Close() })

	_, ok := socket.Next(time.Second)
	require.True(t, ok)

	register, err := protocol.NewCommand(protocol.CommandSendID, "s1")
	require.NoError(t, err)
	require.NoError(t, socket.Deliver(register))
	require.Eventually(t, func() bool { return n.Len() == 1 }, time.Second, 5*time.Millisecond)

	n.BroadcastWorkerCount(2)

	msg, ok := socket.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusInternalClientReport, msg.Status)
	var wc protocol.WorkerCount
	require.NoError(t, msg.DecodeData(&wc))
	assert.Equal(t, 2, wc.NumClients)
	assert.True(t, n.NotifyProgress("s1", "t1", "hello"))
}

func TestStalledFrontendDoesNotBlockWorker(t *testing.T) {
	n := newTestNotifier(t)
	frontend := brokertest.NewSocket()
	frontend.BlockWrites()
	n.Register("s1", frontend)

	r := newTestRegistry(t, n)
	w, socket := newTestWorker(t, "w1")
	go func() { _ = r.Serve(context.Background(), w) }()
	t.Cleanup(func() { _ = socket.Close() })
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)

	_, err := w.OpenTask("a", func(message string) { n.NotifyProgress("s1", "a", message) })
	require.NoError(t, err)
	inboxB, err := w.OpenTask("b", nil)
	require.NoError(t, err)

	for range 10 {
		require.NoError(t, socket.Deliver(mustStatus(t, protocol.StatusProgress, protocol.Progress{TaskID: "a", Message: "working"})))
	}
	require.NoError(t, socket.Deliver(mustStatus(t, protocol.StatusCompletedTask, protocol.TaskRef{TaskID: "b"})))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := inboxB.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusCompletedTask, msg.Status)
}
