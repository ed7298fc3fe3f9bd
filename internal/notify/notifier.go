package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"trading-engine/pkg/db"
)

// Levels carried on every message.
const (
	LevelInfo  = "info"
	LevelAlert = "alert"
)

// Fields is the structured payload attached to a notification.
type Fields map[string]any

// Notifier is the outbound channel for operator-facing events.
// Implementations must not block the caller on slow sinks.
type Notifier interface {
	Alert(ctx context.Context, topic string, fields Fields)
	Info(ctx context.Context, topic string, fields Fields)
}

// Message is one rendered notification.
type Message struct {
	Level  string
	Topic  string
	Fields Fields
	TS     int64
}

// Text renders a single plain line: "[ALERT] topic k=v k=v".
func (m Message) Text() string {
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(m.Level), m.Topic)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, m.Fields[k])
	}
	return b.String()
}

// Sink delivers rendered messages somewhere outside the process.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Recorder persists messages for audit.
type Recorder interface {
	Write(item db.Notification)
}

// Dispatcher logs every message, mirrors it to the recorder and fans it out
// to sinks through a bounded queue drained by one goroutine.
type Dispatcher struct {
	log      *zap.Logger
	recorder Recorder
	sinks    []Sink
	queue    chan Message
	done     chan struct{}
	now      func() time.Time
}

// NewDispatcher builds a dispatcher; recorder may be nil and sinks may be empty.
func NewDispatcher(log *zap.Logger, recorder Recorder, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		log:      log.Named("notify"),
		recorder: recorder,
		sinks:    sinks,
		queue:    make(chan Message, 256),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (d *Dispatcher) Alert(ctx context.Context, topic string, fields Fields) {
	d.emit(ctx, LevelAlert, topic, fields)
}

func (d *Dispatcher) Info(ctx context.Context, topic string, fields Fields) {
	d.emit(ctx, LevelInfo, topic, fields)
}

func (d *Dispatcher) emit(_ context.Context, level, topic string, fields Fields) {
	msg := Message{Level: level, Topic: topic, Fields: fields, TS: d.now().Unix()}

	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("topic", topic))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	if level == LevelAlert {
		d.log.Warn("alert", zf...)
	} else {
		d.log.Info("notice", zf...)
	}

	if d.recorder != nil {
		payload, err := sonic.MarshalString(fields)
		if err != nil {
			payload = "{}"
		}
		d.recorder.Write(db.Notification{Channel: "log", Topic: topic, Level: level, Payload: payload, TS: msg.TS})
	}

	if len(d.sinks) == 0 {
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.log.Warn("notification queue full, dropping", zap.String("topic", topic))
	}
}

// Run drains the sink queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	for _, s := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := s.Send(sendCtx, msg); err != nil {
			d.log.Warn("sink delivery failed", zap.String("sink", s.Name()), zap.String("topic", msg.Topic), zap.Error(err))
		}
		cancel()
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Alert(context.Context, string, Fields) {}
func (Nop) Info(context.Context, string, Fields)  {}
