// Package stats keeps process-wide counters for the dashboard.
package stats

import (
	"sync"
	"time"

	"github.com/ashureev/wabot/internal/domain"
	"github.com/ashureev/wabot/internal/session"
)

// Ring sizes.
const (
	DefaultActivityCapacity = 50
	RecentActivityShown     = 10
)

// Activity kinds.
const (
	ActivityMessage = "message"
	ActivityAI      = "ai"
	ActivitySession = "session"
)

// Activity is one entry in the recent activity feed.
type Activity struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// MessageTypes counts inbound messages by content type.
type MessageTypes struct {
	Text     int64 `json:"text"`
	Image    int64 `json:"image"`
	Document int64 `json:"document"`
	Audio    int64 `json:"audio"`
	Other    int64 `json:"other"`
}

// Snapshot is a copy of the counters.
type Snapshot struct {
	TotalMessages  int64        `json:"totalMessages"`
	TotalChats     int          `json:"totalChats"`
	AIResponses    int64        `json:"aiResponses"`
	Dropped        int64        `json:"dropped"`
	Uptime         int64        `json:"uptime"` // milliseconds
	MessagesByHour [24]int64    `json:"messagesByHour"`
	MessageTypes   MessageTypes `json:"messageTypes"`
	RecentActivity []Activity   `json:"recentActivity"`
}

// Collector accumulates dashboard statistics. It is safe for concurrent use.
type Collector struct {
	start    time.Time
	now      func() time.Time
	activity *ring

	mu      sync.Mutex
	total   int64
	chats   map[string]struct{}
	replies int64
	dropped int64
	byHour  [24]int64
	types   MessageTypes
}

// New creates a collector keeping the last capacity activities.
func New(capacity int) *Collector {
	return &Collector{
		start:    time.Now(),
		now:      time.Now,
		activity: newRing(capacity),
		chats:    make(map[string]struct{}),
	}
}

// RecordMessage counts an inbound message from chat.
func (c *Collector) RecordMessage(chat string, kind session.MessageKind) {
	now := c.now()

	c.mu.Lock()
	c.total++
	c.chats[chat] = struct{}{}
	c.byHour[now.Hour()]++
	switch kind {
	case session.MessageText:
		c.types.Text++
	case session.MessageImage:
		c.types.Image++
	case session.MessageDocument:
		c.types.Document++
	case session.MessageAudio:
		c.types.Audio++
	default:
		c.types.Other++
	}
	c.mu.Unlock()

	c.addActivity(ActivityMessage, "Mensaje recibido de "+domain.JIDToNumber(chat), now)
}

// RecordReply counts an AI reply sent to chat.
func (c *Collector) RecordReply(chat string) {
	now := c.now()

	c.mu.Lock()
	c.replies++
	c.mu.Unlock()

	c.addActivity(ActivityAI, "Respuesta IA generada para "+domain.JIDToNumber(chat), now)
}

// RecordDrop counts a message dropped because the pipeline queue was full.
func (c *Collector) RecordDrop() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

// RecordSession adds a session transition to the activity feed.
func (c *Collector) RecordSession(description string) {
	c.addActivity(ActivitySession, description, c.now())
}

func (c *Collector) addActivity(kind, description string, at time.Time) {
	c.activity.push(Activity{Type: kind, Description: description, Timestamp: at})
}

// Snapshot returns the counters and the RecentActivityShown newest
// activities.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		TotalMessages:  c.total,
		TotalChats:     len(c.chats),
		AIResponses:    c.replies,
		Dropped:        c.dropped,
		MessagesByHour: c.byHour,
		MessageTypes:   c.types,
	}
	c.mu.Unlock()

	snap.Uptime = c.now().Sub(c.start).Milliseconds()
	snap.RecentActivity = c.activity.newest(RecentActivityShown)
	return snap
}
