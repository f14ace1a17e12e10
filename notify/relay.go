package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/escrowkit/bus"
	"github.com/vinayprograms/escrowkit/ledger"
	"github.com/vinayprograms/escrowkit/logging"
)

// Channel delivers a notification to its recipient by some medium.
type Channel interface {
	// Name identifies the channel in logs.
	Name() string

	// Deliver sends one notification.
	Deliver(ctx context.Context, n ledger.Notification) error
}

// ChannelFunc adapts a function to a Channel.
type ChannelFunc struct {
	ChannelName string
	Fn          func(ctx context.Context, n ledger.Notification) error
}

// Name returns the channel name.
func (f ChannelFunc) Name() string { return f.ChannelName }

// Deliver calls the function.
func (f ChannelFunc) Deliver(ctx context.Context, n ledger.Notification) error {
	return f.Fn(ctx, n)
}

// LogChannel writes each notification to a logger.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a channel that logs deliveries at INFO.
func NewLogChannel(logger *logging.Logger) *LogChannel {
	if logger == nil {
		logger = logging.New()
	}
	return &LogChannel{logger: logger.WithComponent("notify")}
}

// Name returns "log".
func (c *LogChannel) Name() string { return "log" }

// Deliver logs the notification.
func (c *LogChannel) Deliver(_ context.Context, n ledger.Notification) error {
	c.logger.Info("notification", map[string]interface{}{
		"id":      n.ID,
		"user_id": n.UserID,
		"type":    string(n.Type),
		"task_id": n.TaskID,
		"title":   n.Title,
	})
	return nil
}

// Relay consumes committed notifications from the bus and fans each one
// out to every channel.
type Relay struct {
	bus      bus.MessageBus
	subject  string
	queue    string
	channels []Channel
	logger   *logging.Logger

	ready     chan struct{}
	readyOnce sync.Once

	delivered atomic.Uint64
	failed    atomic.Uint64
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithChannels adds delivery channels.
func WithChannels(channels ...Channel) RelayOption {
	return func(r *Relay) {
		r.channels = append(r.channels, channels...)
	}
}

// WithQueue joins a queue group so relays sharing the name split the work.
func WithQueue(queue string) RelayOption {
	return func(r *Relay) {
		r.queue = queue
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger *logging.Logger) RelayOption {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRelay creates a relay listening on the notification subject.
func NewRelay(b bus.MessageBus, subjects bus.Subjects, opts ...RelayOption) *Relay {
	r := &Relay{
		bus:     b,
		subject: subjects.Notifications(),
		logger:  logging.New(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("notify")
	return r
}

// Run delivers notifications until ctx is done or the bus closes.
func (r *Relay) Run(ctx context.Context) error {
	var (
		sub bus.Subscription
		err error
	)
	if r.queue != "" {
		sub, err = r.bus.QueueSubscribe(r.subject, r.queue)
	} else {
		sub, err = r.bus.Subscribe(r.subject)
	}
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	r.readyOnce.Do(func() { close(r.ready) })

	r.logger.Info("relay_started", map[string]interface{}{
		"subject":  r.subject,
		"channels": len(r.channels),
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			r.handle(ctx, msg)
		}
	}
}

func (r *Relay) handle(ctx context.Context, msg *bus.Message) {
	var n ledger.Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		r.logger.Warn("notification_decode_failed", map[string]interface{}{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		r.failed.Add(1)
		return
	}

	for _, ch := range r.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			r.logger.Warn("notification_delivery_failed", map[string]interface{}{
				"channel": ch.Name(),
				"id":      n.ID,
				"user_id": n.UserID,
				"error":   err.Error(),
			})
			r.failed.Add(1)
			continue
		}
		r.delivered.Add(1)
	}
}

// Ready is closed once Run has subscribed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Delivered returns the number of successful channel deliveries.
func (r *Relay) Delivered() uint64 {
	return r.delivered.Load()
}

// Failed returns the number of undecodable messages plus failed deliveries.
func (r *Relay) Failed() uint64 {
	return r.failed.Load()
}
