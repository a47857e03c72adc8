// Package push relays events to sockets held by other server nodes.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

const component = "pairchat.push"

// Local is the node's own push channel.
type Local interface {
	interfaces.PushChannel
	Holds(connectionID string) bool
}

// Config names the keys and channels a relay uses.
type Config struct {
	ChannelPrefix string
	NodeID        string
	// OwnerTTL bounds how long a crashed node's connections stay routable.
	OwnerTTL time.Duration
}

// frame is one relayed push on the wire between nodes.
type frame struct {
	ConnectionID string         `json:"connectionId"`
	Event        types.RawEvent `json:"event"`
}

// releaseScript deletes an owner key only if this node still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRelay is a PushChannel spanning every node that shares one Redis
// ARCHITECTURAL DISCOVERY: Each node records which connection ids it holds and
// subscribes to its own channel; a push for a foreign socket is published there
type RedisRelay struct {
	client *redis.Client
	local  Local
	cfg    Config
}

var _ interfaces.PushChannel = (*RedisRelay)(nil)

// NewRedisRelay wraps local with cross-node routing over client.
func NewRedisRelay(client *redis.Client, local Local, cfg Config) *RedisRelay {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "pairchat"
	}
	if cfg.OwnerTTL <= 0 {
		cfg.OwnerTTL = 24 * time.Hour
	}
	return &RedisRelay{client: client, local: local, cfg: cfg}
}

// Connect parses url and pings the server, the way every caller builds its client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

func (r *RedisRelay) ownerKey(connectionID string) string {
	return r.cfg.ChannelPrefix + ":conn:" + connectionID
}

func (r *RedisRelay) nodeChannel(nodeID string) string {
	return r.cfg.ChannelPrefix + ":node:" + nodeID
}

// Push delivers locally when this node holds the socket, otherwise publishes
// to the owning node. An unowned connection, or an owner with no live
// subscriber, is interfaces.ErrConnectionGone.
func (r *RedisRelay) Push(ctx context.Context, connectionID string, ev types.Event) error {
	if r.local.Holds(connectionID) {
		return r.local.Push(ctx, connectionID, ev)
	}

	owner, err := r.client.Get(ctx, r.ownerKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return interfaces.ErrConnectionGone
	}
	if err != nil {
		return fmt.Errorf("lookup owner: %w", err)
	}
	if owner == r.cfg.NodeID {
		// recorded here but no longer registered
		return interfaces.ErrConnectionGone
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Action, err)
	}
	payload, err := json.Marshal(frame{
		ConnectionID: connectionID,
		Event:        types.RawEvent{Action: ev.Action, Data: data},
	})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	receivers, err := r.client.Publish(ctx, r.nodeChannel(owner), payload).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", owner, err)
	}
	if receivers == 0 {
		return interfaces.ErrConnectionGone
	}
	return nil
}

// Track records that this node holds connectionID.
func (r *RedisRelay) Track(ctx context.Context, connectionID string) error {
	return r.client.Set(ctx, r.ownerKey(connectionID), r.cfg.NodeID, r.cfg.OwnerTTL).Err()
}

// Untrack drops the ownership record unless another node has since claimed it.
func (r *RedisRelay) Untrack(ctx context.Context, connectionID string) error {
	return releaseScript.Run(ctx, r.client, []string{r.ownerKey(connectionID)}, r.cfg.NodeID).Err()
}

// Run subscribes to this node's channel and delivers relayed frames until ctx
// is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.nodeChannel(r.cfg.NodeID))
	defer sub.Close()

	// Wait for the subscription so publishes racing with startup are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	slog.InfoContext(ctx, "push relay subscribed", "node_id", r.cfg.NodeID, "component", component)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, payload string) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		slog.WarnContext(ctx, "dropping malformed relay frame", "error", err, "component", component)
		return
	}
	err := r.local.Push(ctx, f.ConnectionID, types.Event{Action: f.Event.Action, Data: f.Event.Data})
	if err != nil {
		slog.DebugContext(ctx, "relayed push not delivered",
			"target_connection", f.ConnectionID, "event", f.Event.Action, "error", err, "component", component)
	}
}
