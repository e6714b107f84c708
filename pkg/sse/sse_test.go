package sse

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	events []Event
	closed chan struct{}
}

func (s *sliceSource) Next(ctx context.Context) (Event, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-s.closed:
		return Event{}, errors.New("closed")
	}
}

func (s *sliceSource) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func TestFormat(t *testing.T) {
	msg, err := format(Event{ID: "r1:2", Event: "change", Data: map[string]string{"id": "r1"}})
	require.NoError(t, err)
	assert.Equal(t, "id: r1:2\nevent: change\ndata: {\"id\":\"r1\"}\n\n", msg)
}

func TestServeStreamsSourceAndNotifications(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(time.Minute)
	src := &sliceSource{
		events: []Event{{Event: "snapshot", Data: []string{"R1"}}, {ID: "R1:2", Event: "change", Data: "accepted"}},
		closed: make(chan struct{}),
	}

	r := gin.New()
	r.GET("/stream", func(c *gin.Context) { hub.Serve(c, "client-1", []string{"hospital:H1"}, src) })
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readUntil := func(substr string) string {
		deadline := time.Now().Add(2 * time.Second)
		var sb strings.Builder
		for time.Now().Before(deadline) {
			line, err := reader.ReadString('\n')
			sb.WriteString(line)
			if strings.Contains(sb.String(), substr) {
				return sb.String()
			}
			if err != nil {
				break
			}
		}
		t.Fatalf("did not see %q in %q", substr, sb.String())
		return ""
	}

	readUntil("event: snapshot")
	out := readUntil("accepted")
	assert.Contains(t, out, "id: R1:2")

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	hub.SendToGroupJSON("hospital:H1", "notification", map[string]string{"title": "new request"})
	readUntil("new request")

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Fatal("source not closed")
	}
}
