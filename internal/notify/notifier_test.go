package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-engine/pkg/db"
)

type memRecorder struct {
	mu    sync.Mutex
	items []db.Notification
}

func (r *memRecorder) Write(n db.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

type chanSink struct{ got chan Message }

func (s *chanSink) Name() string { return "chan" }
func (s *chanSink) Send(_ context.Context, m Message) error {
	s.got <- m
	return nil
}

func TestMessageText(t *testing.T) {
	m := Message{Level: LevelAlert, Topic: "kill_switch_triggered", Fields: Fields{"pnl_pct": -4.0, "equity": 960.0}}
	assert.Equal(t, "[ALERT] kill_switch_triggered equity=960 pnl_pct=-4", m.Text())
}

func TestDispatcherRecordsAndFansOut(t *testing.T) {
	rec := &memRecorder{}
	sink := &chanSink{got: make(chan Message, 1)}
	d := NewDispatcher(nil, rec, sink)
	d.now = func() time.Time { return time.Unix(1700000000, 0) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	d.Alert(ctx, "margin_call", Fields{"symbol": "BTCUSDT"})

	select {
	case m := <-sink.got:
		assert.Equal(t, "margin_call", m.Topic)
		assert.Equal(t, LevelAlert, m.Level)
	case <-time.After(time.Second):
		t.Fatal("sink never received the message")
	}

	require.Len(t, rec.items, 1)
	assert.Equal(t, int64(1700000000), rec.items[0].TS)
	assert.JSONEq(t, `{"symbol":"BTCUSDT"}`, rec.items[0].Payload)
}

func TestDispatcherNeverBlocksOnFullQueue(t *testing.T) {
	d := NewDispatcher(nil, nil, &chanSink{got: make(chan Message)})
	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(d.queue)+10; i++ {
			d.Info(context.Background(), "drift", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked with no consumer")
	}
}

type fakeBot struct {
	sent []tgbot.Chattable
	err  error
}

func (f *fakeBot) Send(c tgbot.Chattable) (tgbot.Message, error) {
	f.sent = append(f.sent, c)
	return tgbot.Message{}, f.err
}

func TestTelegramSink(t *testing.T) {
	bot := &fakeBot{}
	s := &TelegramSink{bot: bot, chatID: 7, alertsOnly: true}

	require.NoError(t, s.Send(context.Background(), Message{Level: LevelInfo, Topic: "position_opened"}))
	assert.Empty(t, bot.sent, "info is filtered in alerts-only mode")

	require.NoError(t, s.Send(context.Background(), Message{Level: LevelAlert, Topic: "close_failed"}))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbot.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(7), msg.ChatID)
	assert.Equal(t, "[ALERT] close_failed", msg.Text)

	bot.err = errors.New("chat not found")
	assert.Error(t, s.Send(context.Background(), Message{Level: LevelAlert, Topic: "x"}))
}
