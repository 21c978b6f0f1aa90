package streams

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/busrelay/busrelay/internal/buserrors"
	"github.com/busrelay/busrelay/internal/message"
	"github.com/busrelay/busrelay/internal/serializer"
	"github.com/busrelay/busrelay/internal/transport"
)

// StreamUse selects how (api, event) pairs map onto Redis stream keys.
type StreamUse string

const (
	// PerEvent gives every event its own stream: "<api>.<event>:stream".
	PerEvent StreamUse = "PER_EVENT"
	// PerAPI shares one stream across every event an API fires:
	// "<api>.*:stream". Consumers filter out events they didn't ask for.
	PerAPI StreamUse = "PER_API"
)

// Config is the Redis Streams event transport's parameter set.
type Config struct {
	ServiceName             string
	ConsumerName            string
	StreamUse               StreamUse
	BatchSize               int64
	BlockTimeout            time.Duration
	AcknowledgementTimeout  time.Duration
	ReclaimInterval         time.Duration
	MaxStreamLength         int64
	ConsumptionRestartDelay time.Duration
	SerializerName          string
	DeserializerName        string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.AcknowledgementTimeout <= 0 {
		c.AcknowledgementTimeout = 30 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = c.AcknowledgementTimeout
	}
	if c.ConsumptionRestartDelay <= 0 {
		c.ConsumptionRestartDelay = time.Second
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "consumer-1"
	}
	if c.StreamUse == "" {
		c.StreamUse = PerEvent
	}
	return c
}

// sentinelField marks the dummy entry written when a group is first
// created on a stream that doesn't exist yet: it forces Redis to assign a
// concrete starting entry, which the consumer then recognizes and drops
// rather than delivering to a handler.
const sentinelField = "__sentinel__"

// EventTransport implements transport.EventTransport over Redis Streams,
// generalizing the original single-stream RedisStreamsEventBus to many
// streams, one per API or event depending on stream-use mode, with a
// pluggable wire format.
type EventTransport struct {
	client RedisStreamsClient
	cfg    Config
	logger *zap.Logger
	codec  interface {
		serializer.Serializer
		serializer.Deserializer
	}

	mu            sync.Mutex
	groupsCreated map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEventTransport builds a Redis Streams event transport. client is
// typically a *RedisStreamsClientAdapter wrapping a *redis.Client.
func NewEventTransport(client RedisStreamsClient, cfg Config, logger *zap.Logger) *EventTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	codecName := cfg.SerializerName
	if codecName == "" {
		codecName = cfg.DeserializerName
	}
	return &EventTransport{
		client:        client,
		cfg:           cfg.withDefaults(),
		logger:        logger,
		codec:         serializer.ForName(codecName),
		groupsCreated: map[string]bool{},
		stopCh:        make(chan struct{}),
	}
}

var _ transport.EventTransport = (*EventTransport)(nil)
var _ transport.HistorySupporter = (*EventTransport)(nil)

// Open is a no-op: the underlying *redis.Client is dialed lazily by
// go-redis on first use.
func (t *EventTransport) Open(ctx context.Context) error { return nil }

// Close stops every running Consume loop and waits for them to exit.
func (t *EventTransport) Close(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	return nil
}

// SupportsHistory reports true: Redis Streams can replay past entries via
// XRANGE independent of any consumer group.
func (t *EventTransport) SupportsHistory() bool { return true }

func (t *EventTransport) streamName(apiName, eventName string) string {
	if t.cfg.StreamUse == PerAPI {
		return apiName + ".*:stream"
	}
	return apiName + "." + eventName + ":stream"
}

func (t *EventTransport) groupName(listenerName string) string {
	return t.cfg.ServiceName + "-" + listenerName
}

// SendEvent serializes msg with the configured codec and XAdds it to the
// stream its (api, event) pair maps to, truncating with MAXLEN ~ when
// configured.
func (t *EventTransport) SendEvent(ctx context.Context, msg message.EventMessage, options transport.CallOptions) error {
	fields, err := t.codec.Serialize(msg)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}

	values := map[string]interface{}{}
	for k, v := range fields {
		values[k] = v
	}

	args := &redis.XAddArgs{
		Stream: t.streamName(msg.APIName, msg.EventName),
		Values: values,
	}
	if t.cfg.MaxStreamLength > 0 {
		args.MaxLen = t.cfg.MaxStreamLength
		args.Approx = true
	}

	id, err := t.client.XAdd(ctx, args)
	if err != nil {
		// One reconnect-and-retry attempt: a dropped connection is the
		// common transient failure mode go-redis surfaces as a plain error
		// rather than a distinguishable type.
		t.logger.Warn("xadd failed, retrying once", zap.String("stream", args.Stream), zap.Error(err))
		id, err = t.client.XAdd(ctx, args)
		if err != nil {
			return fmt.Errorf("xadd to %s: %w", args.Stream, err)
		}
	}
	_ = id
	return nil
}

func (t *EventTransport) ensureGroup(ctx context.Context, stream, group, since string) error {
	t.mu.Lock()
	key := stream + "|" + group
	if t.groupsCreated[key] {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	start, err := parseSince(since)
	if err != nil {
		return err
	}

	length, lenErr := t.client.XLen(ctx, stream)
	streamIsNew := lenErr == nil && length == 0

	if streamIsNew && start == "0" {
		if _, err := t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{sentinelField: "1"},
		}); err != nil {
			return fmt.Errorf("write sentinel entry on %s: %w", stream, err)
		}
	}

	if err := t.client.XGroupCreateMkStream(ctx, stream, group, start); err != nil && !isGroupExistsError(err) {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}

	t.mu.Lock()
	t.groupsCreated[key] = true
	t.mu.Unlock()
	return nil
}

var sinceIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// parseSince turns a `since` cursor into a Redis stream ID usable as a
// consumer group's starting point. It accepts a literal stream ID
// ("1700000000000-0"), a bare millisecond timestamp ("1700000000000"),
// "0" (replay everything), "$" (only new entries, Redis' own sentinel),
// or "" (defaults to "$").
func parseSince(since string) (string, error) {
	switch since {
	case "", "$":
		return "$", nil
	case "0":
		return "0", nil
	}
	if sinceIDPattern.MatchString(since) {
		return since, nil
	}
	ms, err := strconv.ParseInt(since, 10, 64)
	if err != nil {
		return "", buserrors.New(buserrors.KindInvalidBusPathConfiguration, "invalid since cursor: "+since)
	}
	return fmt.Sprintf("%d-0", ms), nil
}

// expectedEvents used by Consume to filter a shared PER_API stream down to
// the events a particular listener actually asked for.
func expectedEvents(listenFor []transport.ListenFor) map[string]bool {
	set := make(map[string]bool, len(listenFor))
	for _, lf := range listenFor {
		set[lf.APIName+"."+lf.EventName] = true
	}
	return set
}

// streamsFor groups listenFor entries by the stream key they resolve to.
func (t *EventTransport) streamsFor(listenFor []transport.ListenFor) []string {
	seen := map[string]bool{}
	var streams []string
	for _, lf := range listenFor {
		s := t.streamName(lf.APIName, lf.EventName)
		if !seen[s] {
			seen[s] = true
			streams = append(streams, s)
		}
	}
	return streams
}

// Consume subscribes to every stream listenFor resolves to under one
// consumer group (`<service_name>-<listener_name>`), merging three
// delivery producers into a single channel of batches: this consumer's
// own pending backlog from a previous run, steady-state new entries, and
// periodic reclaim of entries abandoned by other consumers.
func (t *EventTransport) Consume(ctx context.Context, listenFor []transport.ListenFor, listenerName, since string) (<-chan []message.EventMessage, error) {
	if len(listenFor) == 0 {
		return nil, buserrors.New(buserrors.KindNothingToListenFor, "consume called with no events to listen for")
	}

	group := t.groupName(listenerName)
	streams := t.streamsFor(listenFor)
	wanted := expectedEvents(listenFor)

	for _, s := range streams {
		if err := t.ensureGroup(ctx, s, group, since); err != nil {
			return nil, err
		}
	}

	out := make(chan []message.EventMessage, 16)

	var callWg sync.WaitGroup
	for _, s := range streams {
		callWg.Add(1)
		t.wg.Add(1)
		go func(stream string) {
			defer callWg.Done()
			t.consumeStream(ctx, stream, group, wanted, out)
		}(s)
	}

	go func() {
		callWg.Wait()
		close(out)
	}()

	return out, nil
}

func (t *EventTransport) consumeStream(ctx context.Context, stream, group string, wanted map[string]bool, out chan<- []message.EventMessage) {
	defer t.wg.Done()

	t.deliverOwnPending(ctx, stream, group, wanted, out)

	reclaimTicker := time.NewTicker(t.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-reclaimTicker.C:
			t.reclaimLost(ctx, stream, group, wanted, out)
		default:
		}

		results, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: t.cfg.ConsumerName,
			Streams:  []string{stream, ">"},
			Count:    t.cfg.BatchSize,
			Block:    t.cfg.BlockTimeout,
		})
		if err != nil {
			if err == redis.Nil {
				continue
			}
			select {
			case <-t.stopCh:
				return
			default:
				t.logger.Warn("xreadgroup failed, backing off", zap.String("stream", stream), zap.Error(err))
				time.Sleep(t.cfg.ConsumptionRestartDelay)
				continue
			}
		}

		t.deliver(ctx, stream, group, wanted, results, out)
	}
}

func (t *EventTransport) deliverOwnPending(ctx context.Context, stream, group string, wanted map[string]bool, out chan<- []message.EventMessage) {
	results, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.ConsumerName,
		Streams:  []string{stream, "0"},
		Count:    t.cfg.BatchSize,
	})
	if err != nil && err != redis.Nil {
		t.logger.Warn("failed to read own pending backlog", zap.String("stream", stream), zap.Error(err))
		return
	}
	t.deliver(ctx, stream, group, wanted, results, out)
}

func (t *EventTransport) reclaimLost(ctx context.Context, stream, group string, wanted map[string]bool, out chan<- []message.EventMessage) {
	pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  t.cfg.BatchSize,
	})
	if err != nil || len(pending) == 0 {
		return
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= t.cfg.AcknowledgementTimeout {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	claimed, err := t.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: t.cfg.ConsumerName,
		MinIdle:  t.cfg.AcknowledgementTimeout,
		Messages: ids,
	})
	if err != nil {
		t.logger.Warn("xclaim failed", zap.String("stream", stream), zap.Error(err))
		return
	}

	t.deliverMessages(ctx, stream, group, wanted, claimed, out)
}

func (t *EventTransport) deliver(ctx context.Context, stream, group string, wanted map[string]bool, results []redis.XStream, out chan<- []message.EventMessage) {
	for _, s := range results {
		t.deliverMessages(ctx, stream, group, wanted, s.Messages, out)
	}
}

func (t *EventTransport) deliverMessages(ctx context.Context, stream, group string, wanted map[string]bool, raw []redis.XMessage, out chan<- []message.EventMessage) {
	if len(raw) == 0 {
		return
	}

	batch := make([]message.EventMessage, 0, len(raw))
	var toAck []string

	for _, m := range raw {
		if _, isSentinel := m.Values[sentinelField]; isSentinel {
			toAck = append(toAck, m.ID)
			continue
		}

		fields := make(serializer.Fields, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}

		evt, err := t.codec.Deserialize(fields)
		if err != nil {
			t.logger.Warn("failed to deserialize event, acking to drop", zap.String("stream", stream), zap.String("id", m.ID), zap.Error(err))
			toAck = append(toAck, m.ID)
			continue
		}
		if evt.Version > message.CurrentEventVersion {
			t.logger.Warn("skipping event with unsupported version",
				zap.String("event", evt.EventName), zap.Int("version", evt.Version))
			toAck = append(toAck, m.ID)
			continue
		}
		if !wanted[evt.APIName+"."+evt.EventName] {
			// PER_API stream carries events other listeners asked for;
			// skip without delivering but still ack so it doesn't sit
			// pending forever.
			toAck = append(toAck, m.ID)
			continue
		}

		batch = append(batch, evt.WithNativeID(group+"/"+m.ID))
	}

	if len(toAck) > 0 {
		if _, err := t.client.XAck(ctx, stream, group, toAck...); err != nil {
			t.logger.Warn("failed to ack skipped entries", zap.String("stream", stream), zap.Error(err))
		}
	}

	if len(batch) == 0 {
		return
	}

	select {
	case out <- batch:
	case <-t.stopCh:
	}
}

// splitNativeID recovers the consumer group and raw stream entry ID
// packed into NativeID by deliverMessages. The group must travel with the
// ID since one transport instance can serve several listeners (distinct
// consumer groups) over the same stream, and Acknowledge otherwise has no
// way to know which group's pending entry to clear.
func splitNativeID(nativeID string) (group, entryID string, err error) {
	idx := strings.LastIndex(nativeID, "/")
	if idx < 0 {
		return "", "", fmt.Errorf("malformed native id %q", nativeID)
	}
	return nativeID[:idx], nativeID[idx+1:], nil
}

// Acknowledge XACKs each message against the stream its (api, event)
// resolves to and the consumer group packed into its NativeID.
func (t *EventTransport) Acknowledge(ctx context.Context, msgs ...message.EventMessage) error {
	for _, m := range msgs {
		group, entryID, err := splitNativeID(m.NativeID)
		if err != nil {
			return err
		}
		stream := t.streamName(m.APIName, m.EventName)
		if _, err := t.client.XAck(ctx, stream, group, entryID); err != nil {
			return fmt.Errorf("xack %s on %s/%s: %w", entryID, stream, group, err)
		}
	}
	return nil
}

// History replays entries from since without any consumer-group
// involvement — no acknowledgement is possible or required.
func (t *EventTransport) History(ctx context.Context, listenFor []transport.ListenFor, since string) ([]message.EventMessage, error) {
	start, err := parseSince(since)
	if err != nil {
		return nil, err
	}
	if start == "$" {
		start = "-"
	}

	wanted := expectedEvents(listenFor)
	var out []message.EventMessage
	for _, stream := range t.streamsFor(listenFor) {
		raw, err := t.client.XRange(ctx, stream, start, "+")
		if err != nil {
			return nil, fmt.Errorf("xrange %s: %w", stream, err)
		}
		for _, m := range raw {
			if _, isSentinel := m.Values[sentinelField]; isSentinel {
				continue
			}
			fields := make(serializer.Fields, len(m.Values))
			for k, v := range m.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			evt, err := t.codec.Deserialize(fields)
			if err != nil {
				continue
			}
			if !wanted[evt.APIName+"."+evt.EventName] {
				continue
			}
			out = append(out, evt.WithNativeID(m.ID))
		}
	}
	return out, nil
}
