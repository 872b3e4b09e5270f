/*
Package notify adapts external delivery systems to dues.Notifier.

ADAPTERS:
  Log:        Writes each notification as a structured log entry. Dev mode.
  RedisQueue: Pushes a JSON message onto a Redis list consumed by the
              mailer / in-app worker. Dispatched means "accepted by the queue".

MESSAGE FORMAT (RedisQueue):
  {"id":"...","memberId":"m1","channel":"email","subject":"...",
   "body":"...","queuedAt":"2025-12-05T09:00:00Z"}

SEE ALSO:
  - dues/reminders.go: The only caller
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// LOG NOTIFIER
// =============================================================================

type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (n *Log) Notify(ctx context.Context, memberID dues.MemberID, channel dues.Channel, subject, body string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n.log.Info("notification",
		zap.String("member_id", string(memberID)),
		zap.String("channel", string(channel)),
		zap.String("subject", subject),
		zap.String("body", body))
	return true, nil
}

// =============================================================================
// REDIS QUEUE NOTIFIER
// =============================================================================

// Message is one queued notification.
type Message struct {
	ID       string        `json:"id"`
	MemberID dues.MemberID `json:"memberId"`
	Channel  dues.Channel  `json:"channel"`
	Subject  string        `json:"subject"`
	Body     string        `json:"body"`
	QueuedAt time.Time     `json:"queuedAt"`
}

type RedisQueue struct {
	client *redis.Client
	key    string
	clock  func() time.Time
}

// NewRedisQueue pushes to the list named key ("dues:notifications" when empty).
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "dues:notifications"
	}
	return &RedisQueue{client: client, key: key, clock: time.Now}
}

func (q *RedisQueue) Notify(ctx context.Context, memberID dues.MemberID, channel dues.Channel, subject, body string) (bool, error) {
	payload, err := EncodeMessage(Message{
		ID:       uuid.NewString(),
		MemberID: memberID,
		Channel:  channel,
		Subject:  subject,
		Body:     body,
		QueuedAt: q.clock().UTC(),
	})
	if err != nil {
		return false, err
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return false, fmt.Errorf("enqueue notification for %s: %w", memberID, err)
	}
	return true, nil
}

// Key returns the Redis list the queue writes to.
func (q *RedisQueue) Key() string { return q.key }

func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}

var (
	_ dues.Notifier = (*Log)(nil)
	_ dues.Notifier = (*RedisQueue)(nil)
)
