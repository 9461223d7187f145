package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// eventsChannel is the single pub/sub channel all instances share. Events
// carry their room id in an envelope rather than using one channel per room.
const eventsChannel = "room-events"

type envelope struct {
	RoomID   int64           `json:"room_id"`
	ExceptID string          `json:"except_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// RedisDispatcher backs the Dispatcher interface with redis pub/sub so
// fan-out reaches sessions on other instances. Membership stays local; only
// publishes cross the wire, and local delivery happens on subscription
// receipt (our own publishes included, so the sender's instance delivers
// exactly once like everyone else).
type RedisDispatcher struct {
	local   *LocalDispatcher
	rdb     *redis.Client
	metrics *Metrics
	log     *slog.Logger
}

func NewRedisDispatcher(local *LocalDispatcher, rdb *redis.Client, metrics *Metrics, log *slog.Logger) *RedisDispatcher {
	return &RedisDispatcher{
		local:   local,
		rdb:     rdb,
		metrics: metrics,
		log:     log,
	}
}

func (d *RedisDispatcher) Join(roomID int64, m Member) {
	d.local.Join(roomID, m)
}

func (d *RedisDispatcher) Leave(roomID int64, m Member) {
	d.local.Leave(roomID, m)
}

func (d *RedisDispatcher) Publish(roomID int64, event any) {
	d.publish(roomID, "", event)
}

func (d *RedisDispatcher) PublishExcept(roomID int64, exceptID string, event any) {
	d.publish(roomID, exceptID, event)
}

func (d *RedisDispatcher) publish(roomID int64, exceptID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.log.Error("encode event", "room", roomID, "error", err)
		return
	}
	data, err := json.Marshal(envelope{RoomID: roomID, ExceptID: exceptID, Payload: payload})
	if err != nil {
		d.log.Error("encode envelope", "room", roomID, "error", err)
		return
	}
	d.metrics.IncPublished()
	if err := d.rdb.Publish(context.Background(), eventsChannel, data).Err(); err != nil {
		// The message (if any) is already durable; only the live
		// broadcast is lost. Fall back to local delivery so this
		// instance's members still hear it.
		d.log.Error("redis publish, delivering locally only", "room", roomID, "error", err)
		d.local.deliver(roomID, exceptID, payload)
	}
}

// Run subscribes to the shared channel and feeds received events into local
// delivery. It blocks until ctx is canceled; start it in its own goroutine.
func (d *RedisDispatcher) Run(ctx context.Context) {
	pubsub := d.rdb.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				d.log.Warn("bad envelope from redis", "error", err)
				continue
			}
			d.local.deliver(env.RoomID, env.ExceptID, env.Payload)
		}
	}
}
