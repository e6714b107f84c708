package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestTransitions(t *testing.T) {
	assert.True(t, RequestPending.CanTransition(RequestAccepted))
	assert.True(t, RequestPending.CanTransition(RequestCancelled))
	assert.True(t, RequestAccepted.CanTransition(RequestEnroute))
	assert.True(t, RequestAccepted.CanTransition(RequestResolved))
	assert.True(t, RequestEnroute.CanTransition(RequestResolved))

	for _, from := range []RequestStatus{RequestAccepted, RequestEnroute, RequestResolved, RequestCancelled} {
		assert.False(t, from.CanTransition(RequestPending), "%s -> pending", from)
	}
	assert.False(t, RequestPending.CanTransition(RequestPending))
	assert.False(t, RequestAccepted.CanTransition(RequestCancelled))
	assert.False(t, RequestResolved.CanTransition(RequestEnroute))
	assert.False(t, RequestStatus("bogus").Valid())
	assert.True(t, RequestCancelled.Terminal())
}

func TestMessageTransitions(t *testing.T) {
	assert.True(t, MessagePending.CanTransition(MessageDelivered))
	assert.True(t, MessagePending.CanTransition(MessageAccepted))
	assert.True(t, MessageDelivered.CanTransition(MessageRead))
	assert.False(t, MessageRead.CanTransition(MessageDelivered))
	assert.False(t, MessageAccepted.CanTransition(MessagePending))
}

func TestHospitalCatalog(t *testing.T) {
	hs := Hospitals()
	assert.Len(t, hs, 4)
	hs[0].Name = "mutated"

	h, ok := FindHospital("H1")
	assert.True(t, ok)
	assert.Contains(t, h.Name, "UPTH")
	assert.True(t, h.Location.Valid())

	_, ok = FindHospital("H9")
	assert.False(t, ok)
}

func TestLocationValid(t *testing.T) {
	assert.True(t, Location{Lat: 4.81, Lng: 7.05}.Valid())
	assert.False(t, Location{}.Valid())
	assert.False(t, Location{Lat: 91, Lng: 1}.Valid())
	assert.False(t, Location{Lat: 1, Lng: -181}.Valid())
}

func TestThreadBadge(t *testing.T) {
	now := time.Now()
	msgs := []*Message{
		{ID: "m1", Status: MessageRead, CreatedAt: now.Add(-time.Minute)},
		{ID: "m2", Status: MessageDelivered, CreatedAt: now},
	}
	assert.Equal(t, "delivered", ThreadBadge(msgs, nil))
	assert.Equal(t, "accepted", ThreadBadge(msgs, &EmergencyRequest{Status: RequestAccepted}))
	assert.Equal(t, "pending", ThreadBadge(nil, nil))
}

func TestCloneIsIndependent(t *testing.T) {
	at := time.Now()
	r := &EmergencyRequest{ID: "R1", Status: RequestAccepted, AcceptedAt: &at}
	cp := Clone(r).(*EmergencyRequest)
	cp.Status = RequestResolved
	*cp.AcceptedAt = at.Add(time.Hour)
	assert.Equal(t, RequestAccepted, r.Status)
	assert.True(t, r.AcceptedAt.Equal(at))
}

func TestNewerFirst(t *testing.T) {
	now := time.Now()
	a := &Message{ID: "a", CreatedAt: now}
	b := &Message{ID: "b", CreatedAt: now.Add(-time.Second)}
	assert.True(t, NewerFirst(a, b))
	assert.False(t, NewerFirst(b, a))
}
