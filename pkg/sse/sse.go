package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Event 一条 SSE 事件，ID 写入 id: 行供客户端断线续传
type Event struct {
	ID    string
	Event string
	Data  interface{}
}

// Source 业务层打开的事件源，Close 之后 Next 不再返回事件
type Source interface {
	Next(ctx context.Context) (Event, error)
	Close()
}

type Client struct {
	id     string
	groups map[string]bool
	ch     chan string
	done   chan struct{}
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	groups   map[string]map[string]bool // group -> clientID set
	interval time.Duration
	retryMs  int
}

func NewHub(interval time.Duration) *Hub {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Hub{clients: make(map[string]*Client), groups: make(map[string]map[string]bool), interval: interval, retryMs: 5000}
}

func (h *Hub) AddClient(id string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &Client{id: id, groups: make(map[string]bool), ch: make(chan string, 64), done: make(chan struct{})}
	h.clients[id] = c
	return c
}

// Messages 已格式化的待写出通知
func (c *Client) Messages() <-chan string { return c.ch }

func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	if c, ok := h.clients[id]; ok {
		close(c.done)
		for g := range c.groups {
			delete(h.groups[g], id)
			if len(h.groups[g]) == 0 {
				delete(h.groups, g)
			}
		}
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

func (h *Hub) Join(id, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return
	}
	c.groups[group] = true
	if h.groups[group] == nil {
		h.groups[group] = make(map[string]bool)
	}
	h.groups[group][id] = true
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToGroupJSON 通知类消息，缓冲满时丢弃
func (h *Hub) SendToGroupJSON(group, event string, v interface{}) {
	msg, err := format(Event{Event: event, Data: v})
	if err != nil {
		logrus.Errorf("sse: marshal notification: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id := range h.groups[group] {
		if c := h.clients[id]; c != nil {
			select {
			case c.ch <- msg:
			default:
				logrus.Warnf("sse: client %s buffer full, notification dropped", id)
			}
		}
	}
}

func format(ev Event) (string, error) {
	var data string
	switch v := ev.Data.(type) {
	case string:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		data = string(b)
	}
	out := ""
	if ev.ID != "" {
		out += "id: " + ev.ID + "\n"
	}
	if ev.Event != "" {
		out += "event: " + ev.Event + "\n"
	}
	return out + fmt.Sprintf("data: %s\n\n", data), nil
}

// Serve 把 src 的事件与组通知写成 text/event-stream，src 可为空
func (h *Hub) Serve(c *gin.Context, clientID string, groups []string, src Source) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", h.retryMs)
	flusher.Flush()

	client := h.AddClient(clientID)
	defer h.RemoveClient(clientID)
	for _, g := range groups {
		h.Join(clientID, g)
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan string)
	srcDone := make(chan error, 1)
	if src != nil {
		defer src.Close()
		go func() {
			for {
				ev, err := src.Next(ctx)
				if err != nil {
					srcDone <- err
					return
				}
				msg, err := format(ev)
				if err != nil {
					logrus.Errorf("sse: marshal event: %v", err)
					continue
				}
				select {
				case events <- msg:
				case <-ctx.Done():
					srcDone <- ctx.Err()
					return
				}
			}
		}()
	}

	ping := time.NewTicker(h.interval)
	defer ping.Stop()

	write := func(s string) bool {
		if _, err := io.WriteString(c.Writer, s); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-client.done:
			return
		case <-ctx.Done():
			return
		case err := <-srcDone:
			if ctx.Err() == nil {
				msg, _ := format(Event{Event: "error", Data: map[string]string{"error": err.Error()}})
				write(msg)
			}
			return
		case <-ping.C:
			if !write("event: ping\ndata: {}\n\n") {
				return
			}
		case msg := <-client.ch:
			if !write(msg) {
				return
			}
		case msg := <-events:
			if !write(msg) {
				return
			}
		}
	}
}
