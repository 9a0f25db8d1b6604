package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreate(t *testing.T) {
	s := NewStore(nil, time.Hour, 10, nil)

	sess := s.GetOrCreate("ws:1.2.3.4", "websocket")
	require.NotNil(t, sess)
	assert.Equal(t, "ws:1.2.3.4", sess.SessionID)
	assert.Equal(t, "websocket", sess.Source)

	again := s.GetOrCreate("ws:1.2.3.4", "websocket")
	assert.Same(t, sess, again)
	assert.Equal(t, 1, s.Count())
}

func TestGetMissing(t *testing.T) {
	s := NewStore(nil, time.Hour, 10, nil)
	assert.Nil(t, s.Get("nope"))
}

func TestAddTurnIncrementsViolationOnBlock(t *testing.T) {
	s := NewStore(nil, time.Hour, 10, nil)
	sess := s.GetOrCreate("http:client", "http")

	s.AddTurn(sess, ConversationTurn{RequestText: "hi", ResultStatus: "success"})
	assert.Equal(t, 0, sess.ViolationCount)

	s.AddTurn(sess, ConversationTurn{RequestText: "bad", ResultStatus: "blocked"})
	assert.Equal(t, 1, sess.ViolationCount)
	assert.Len(t, sess.Turns, 2)
}

func TestTurnCountMonotonic(t *testing.T) {
	s := NewStore(nil, time.Hour, 10, nil)
	sess := s.GetOrCreate("k", "http")

	for i := 0; i < 5; i++ {
		before := len(sess.Turns)
		s.AddTurn(sess, ConversationTurn{RequestText: "r", ResultStatus: "success"})
		assert.Equal(t, before+1, len(sess.Turns))
	}
}

func TestRaiseRiskMonotonic(t *testing.T) {
	s := NewStore(nil, time.Hour, 10, nil)
	sess := s.GetOrCreate("k", "http")

	s.RaiseRisk(sess, 2.5)
	assert.Equal(t, 2.5, sess.CumulativeRisk)

	s.RaiseRisk(sess, 1.0)
	assert.Equal(t, 2.5, sess.CumulativeRisk)

	s.RaiseRisk(sess, 4.0)
	assert.Equal(t, 4.0, sess.CumulativeRisk)
}

func TestLockIsSticky(t *testing.T) {
	s := NewStore(nil, time.Hour, 10, nil)
	sess := s.GetOrCreate("k", "http")

	s.Lock(sess)
	assert.True(t, sess.IsLocked)

	again := s.GetOrCreate("k", "http")
	assert.True(t, again.IsLocked)
}

func TestTTLEviction(t *testing.T) {
	s := NewStore(nil, 10*time.Millisecond, 10, nil)

	sess := s.GetOrCreate("old", "http")
	sess.LastActive = time.Now().UTC().Add(-time.Minute)

	// Sweep happens on the next GetOrCreate.
	s.GetOrCreate("new", "http")
	assert.Nil(t, s.Get("old"))
	assert.Equal(t, 1, s.Count())
}

func TestCapacityEvictsLRU(t *testing.T) {
	s := NewStore(nil, time.Hour, 3, nil)

	for i := 0; i < 3; i++ {
		sess := s.GetOrCreate(fmt.Sprintf("peer-%d", i), "http")
		sess.LastActive = time.Now().UTC().Add(time.Duration(i-10) * time.Minute)
	}

	s.GetOrCreate("peer-3", "http")
	assert.Equal(t, 3, s.Count())
	assert.Nil(t, s.Get("peer-0"))
	assert.NotNil(t, s.Get("peer-2"))
	assert.NotNil(t, s.Get("peer-3"))
}

func TestClone(t *testing.T) {
	s := NewStore(nil, time.Hour, 10, nil)
	sess := s.GetOrCreate("k", "http")
	s.AddTurn(sess, ConversationTurn{RequestText: "a", ResultStatus: "success"})

	clone := sess.Clone()
	clone.Turns[0].RequestText = "mutated"
	assert.Equal(t, "a", sess.Turns[0].RequestText)
}
