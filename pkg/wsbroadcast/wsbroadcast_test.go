package wsbroadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/Futs/kuroibara/core/pkg/progress"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newConn(userID, sessionID string) *conn {
	return &conn{
		userID:    userID,
		sessionID: sessionID,
		opIDs:     make(map[string]struct{}),
		opTypes:   make(map[string]struct{}),
	}
}

// Invariant 10: a progress event is delivered iff user_id, session_id,
// operation_id and operation_type subscriptions all permit it.
func TestInvariant10_SubscriptionFiltering(t *testing.T) {
	cases := []struct {
		name    string
		conn    func() *conn
		event   *progress.Event
		receive bool
	}{
		{
			name:    "no filters set receives everything",
			conn:    func() *conn { return newConn("", "") },
			event:   &progress.Event{OperationID: "op-1", OperationType: "download", UserID: "u1", SessionID: "s1"},
			receive: true,
		},
		{
			name:    "matching user_id receives",
			conn:    func() *conn { return newConn("u1", "") },
			event:   &progress.Event{OperationID: "op-1", OperationType: "download", UserID: "u1"},
			receive: true,
		},
		{
			name:    "mismatched user_id is filtered",
			conn:    func() *conn { return newConn("u1", "") },
			event:   &progress.Event{OperationID: "op-1", OperationType: "download", UserID: "u2"},
			receive: false,
		},
		{
			name:    "mismatched session_id is filtered",
			conn:    func() *conn { return newConn("", "s1") },
			event:   &progress.Event{OperationID: "op-1", OperationType: "download", SessionID: "s2"},
			receive: false,
		},
		{
			name: "unsubscribed operation_id is filtered",
			conn: func() *conn {
				c := newConn("", "")
				c.opIDs["op-other"] = struct{}{}
				return c
			},
			event:   &progress.Event{OperationID: "op-1", OperationType: "download"},
			receive: false,
		},
		{
			name: "subscribed operation_id receives",
			conn: func() *conn {
				c := newConn("", "")
				c.opIDs["op-1"] = struct{}{}
				return c
			},
			event:   &progress.Event{OperationID: "op-1", OperationType: "download"},
			receive: true,
		},
		{
			name: "unsubscribed operation_type is filtered",
			conn: func() *conn {
				c := newConn("", "")
				c.opTypes["scan"] = struct{}{}
				return c
			},
			event:   &progress.Event{OperationID: "op-1", OperationType: "download"},
			receive: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.receive, tc.conn().shouldReceive(tc.event))
		})
	}
}

func TestRunStop(t *testing.T) {
	b := New(zap.NewNop())
	done := make(chan struct{})
	go func() {
		b.Run()
		close(done)
	}()
	b.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
