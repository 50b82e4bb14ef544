// Package relay fans store-wide dashboard alerts out across server instances
// over Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/shopchat/internal/chat"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Local delivers an alert to the admin rooms held by this instance.
type Local interface {
	BroadcastAdmin(ctx context.Context, storeID string, ev chat.Outbound, exclude ...string) chat.Delivery
}

// envelope is the pub/sub payload.
type envelope struct {
	Origin  string          `json:"origin"`
	StoreID string          `json:"storeId"`
	Exclude []string        `json:"exclude,omitempty"`
	Type    string          `json:"type"`
	Session string          `json:"sessionId,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Relay implements chat.AdminFanout. Alerts are delivered locally right away
// and published for the other instances, which ignore their own publications.
type Relay struct {
	client     redis.UniversalClient
	prefix     string
	instanceID string
	local      Local
	logger     *slog.Logger
}

// New creates a relay publishing under "<prefix>:admin:<storeId>".
func New(client redis.UniversalClient, prefix string, local Local, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "shopchat"
	}
	return &Relay{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.NewString(),
		local:      local,
		logger:     logger,
	}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return client, nil
}

func (r *Relay) channel(storeID string) string {
	return r.prefix + ":admin:" + storeID
}

// PublishAdmin implements chat.AdminFanout.
func (r *Relay) PublishAdmin(ctx context.Context, storeID string, ev chat.Outbound, exclude ...string) {
	r.local.BroadcastAdmin(ctx, storeID, ev, exclude...)

	data, err := json.Marshal(ev.Data)
	if err != nil {
		r.logger.Error("Failed to encode admin alert", "store_id", storeID, "type", ev.Type, "error", err)
		return
	}
	payload, err := json.Marshal(envelope{
		Origin:  r.instanceID,
		StoreID: storeID,
		Exclude: exclude,
		Type:    string(ev.Type),
		Session: ev.SessionID,
		Seq:     ev.Seq,
		Data:    data,
	})
	if err != nil {
		r.logger.Error("Failed to encode relay envelope", "store_id", storeID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.channel(storeID), payload).Err(); err != nil {
		r.logger.Warn("Failed to publish admin alert", "store_id", storeID, "type", ev.Type, "error", err)
	}
}

// Run subscribes to every store's admin channel and delivers remote alerts
// locally until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.channel("*"))
	defer func() {
		if err := sub.Close(); err != nil {
			r.logger.Debug("Failed to close relay subscription", "error", err)
		}
	}()

	// Wait for the subscription to be confirmed so no early alert is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel("*"), err)
	}
	r.logger.Info("Admin alert relay started", "pattern", r.channel("*"), "instance_id", r.instanceID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Admin alert relay shutting down", "reason", ctx.Err())
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// deliver hands a remote alert to the local admin rooms. Own publications are skipped.
func (r *Relay) deliver(ctx context.Context, channel string, payload []byte) bool {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("Dropping malformed relay message", "channel", channel, "error", err)
		return false
	}
	if env.Origin == r.instanceID {
		return false
	}
	storeID := env.StoreID
	if storeID == "" {
		storeID = strings.TrimPrefix(channel, r.prefix+":admin:")
	}
	r.local.BroadcastAdmin(ctx, storeID, chat.Outbound{
		Type:      chat.OutboundType(env.Type),
		SessionID: env.Session,
		StoreID:   storeID,
		Seq:       env.Seq,
		Data:      env.Data,
	}, env.Exclude...)
	return true
}

var _ chat.AdminFanout = (*Relay)(nil)
