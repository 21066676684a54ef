package hub

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/metrics"
)

// envelope is what travels between processes on the fan-out channel.
type envelope struct {
	Topic string       `cbor:"topic"`
	Frame domain.Frame `cbor:"frame"`
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("hub: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEnvelope(topic string, f domain.Frame) ([]byte, error) {
	return cbor.Marshal(envelope{Topic: topic, Frame: f})
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode fan-out envelope: %w", err)
	}
	return env, nil
}

// RedisBridge makes the hub span processes: frames are published on a Redis
// channel and every process relays what it receives into its local hub.
// When Redis is unreachable the frame is delivered locally only.
//
// Local delivery goes through Run's subscription, so frames published before
// Ready is closed reach no subscriber on any instance. Callers should wait on
// Ready before accepting traffic.
type RedisBridge struct {
	local   *Hub
	client  *redis.Client
	channel string
	ready   chan struct{}
	log     zerolog.Logger
}

func NewRedisBridge(local *Hub, client *redis.Client, channel string, log zerolog.Logger) *RedisBridge {
	return &RedisBridge{
		local:   local,
		client:  client,
		channel: channel,
		ready:   make(chan struct{}),
		log:     log,
	}
}

// Ready is closed once Run has subscribed to the fan-out channel.
func (b *RedisBridge) Ready() <-chan struct{} {
	return b.ready
}

func (b *RedisBridge) Publish(ctx context.Context, topic string, f domain.Frame) {
	data, err := encodeEnvelope(topic, f)
	if err == nil {
		err = b.client.Publish(ctx, b.channel, data).Err()
	}
	if err != nil {
		metrics.BridgeFailures.Inc()
		b.log.Warn().Err(err).Str("topic", topic).Msg("redis fan-out publish failed, delivering locally")
		b.local.Publish(ctx, topic, f)
	}
}

// Run relays frames from Redis into the local hub until ctx ends.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("fan-out bridge subscribed")
	close(b.ready)

	msgs := sub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.log.Warn().Err(err).Msg("dropping malformed fan-out envelope")
				continue
			}
			b.local.Publish(ctx, env.Topic, env.Frame)

		case <-ctx.Done():
			return nil
		}
	}
}
