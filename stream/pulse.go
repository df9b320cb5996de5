package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/agentfabric/mesh/messaging"
)

// PulseOptions configures a PulseRegistry.
type PulseOptions struct {
	// Redis is the connection backing every Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries kept per stream. Zero uses
	// Pulse's default.
	StreamMaxLen int
	// SinkName names the consumer group created for each Subscribe call. When
	// empty, each subscription uses a group name derived from the stream
	// name, giving every subscriber its own cursor.
	SinkName string
}

// PulseRegistry implements Registry on top of goa.design/pulse streams
// backed by Redis, providing at-least-once delivery with a monotonically
// increasing sequence token per stream.
type PulseRegistry struct {
	redis    *redis.Client
	maxLen   int
	sinkName string

	mu      sync.Mutex
	streams map[string]*streaming.Stream
}

// NewPulseRegistry constructs a Redis/Pulse-backed Registry.
func NewPulseRegistry(opts PulseOptions) (*PulseRegistry, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("stream: redis client is required")
	}
	return &PulseRegistry{
		redis:    opts.Redis,
		maxLen:   opts.StreamMaxLen,
		sinkName: opts.SinkName,
		streams:  make(map[string]*streaming.Stream),
	}, nil
}

func streamKey(name Name) string {
	return string(name.Namespace) + ":" + name.Key
}

func (r *PulseRegistry) stream(name Name) (*streaming.Stream, error) {
	key := streamKey(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.streams[key]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if r.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(r.maxLen))
	}
	s, err := streaming.NewStream(key, r.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("stream: open %s: %w", key, err)
	}
	r.streams[key] = s
	return s, nil
}

// wireMessage is the JSON payload published on a Pulse stream entry.
type wireMessage struct {
	FromHandle  string            `json:"from_handle,omitempty"`
	ToHandle    string            `json:"to_handle,omitempty"`
	Message     string            `json:"message,omitempty"`
	MessageType string            `json:"message_type,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
}

func toWire(m messaging.AgentMessage) wireMessage {
	return wireMessage{
		FromHandle:  m.FromHandle,
		ToHandle:    m.ToHandle,
		Message:     m.Message,
		MessageType: m.MessageType,
		Kind:        string(m.Kind),
		Channel:     m.Channel,
		Args:        m.Args,
	}
}

func fromWire(w wireMessage) messaging.AgentMessage {
	return messaging.AgentMessage{
		FromHandle:  w.FromHandle,
		ToHandle:    w.ToHandle,
		Message:     w.Message,
		MessageType: w.MessageType,
		Kind:        messaging.Kind(w.Kind),
		Channel:     w.Channel,
		Args:        w.Args,
	}
}

// Publish appends message to the named stream's underlying Redis entry,
// using the Redis-assigned entry ID's millisecond component as the
// monotonic sequence token.
func (r *PulseRegistry) Publish(ctx context.Context, name Name, message messaging.AgentMessage) (uint64, error) {
	s, err := r.stream(name)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(toWire(message))
	if err != nil {
		return 0, fmt.Errorf("stream: marshal message: %w", err)
	}
	id, err := s.Add(ctx, message.MessageType, payload)
	if err != nil {
		return 0, fmt.Errorf("stream: publish to %s: %w", streamKey(name), err)
	}
	return sequenceFromEntryID(id), nil
}

// sequenceFromEntryID extracts a monotonic uint64 from a Redis stream entry
// ID of the form "<millis>-<seq>".
func sequenceFromEntryID(id string) uint64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			millis, err := strconv.ParseUint(id[:i], 10, 64)
			if err != nil {
				return 0
			}
			return millis
		}
	}
	v, _ := strconv.ParseUint(id, 10, 64)
	return v
}

// Subscribe creates a Pulse consumer group sink on the named stream and
// dispatches each delivered entry to handler in sequence order, acking after
// the handler returns whether or not it failed; a handler error is discarded
// without logging, and an entry whose payload does not decode is acked
// without invoking handler.
func (r *PulseRegistry) Subscribe(ctx context.Context, name Name, handler Handler) (Subscription, error) {
	s, err := r.stream(name)
	if err != nil {
		return nil, err
	}
	group := r.sinkName
	if group == "" {
		group = streamKey(name) + "-sink"
	}
	sink, err := s.NewSink(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("stream: create sink for %s: %w", streamKey(name), err)
	}

	sub := &pulseSubscription{sink: sink}
	sub.wg.Add(1)
	go sub.run(ctx, handler)
	return sub, nil
}

type pulseSubscription struct {
	sink *streaming.Sink
	wg   sync.WaitGroup
}

func (s *pulseSubscription) run(ctx context.Context, handler Handler) {
	defer s.wg.Done()
	for evt := range s.sink.Subscribe() {
		var w wireMessage
		if err := json.Unmarshal(evt.Payload, &w); err == nil {
			env := Envelope{Message: fromWire(w), Sequence: sequenceFromEntryID(evt.ID)}
			_ = handler(ctx, env)
		}
		_ = s.sink.Ack(ctx, evt)
	}
}

func (s *pulseSubscription) Close(ctx context.Context) error {
	s.sink.Close(ctx)
	s.wg.Wait()
	return nil
}

// Close releases the registry's cached stream handles. It does not destroy
// the underlying Redis streams or close the Redis connection, both of which
// remain owned by the caller.
func (r *PulseRegistry) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.streams)
	return nil
}
