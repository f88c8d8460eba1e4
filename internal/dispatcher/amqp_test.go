package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mistervb/meli-climate-notifications/internal/domain"
)

type fakeChannel struct {
	key string
	msg amqp.Publishing
	err error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.key = key
	f.msg = msg
	return f.err
}

func TestPublish_CarriesTokenHeader(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{ch: ch, log: zap.NewNop()}

	n := domain.WeatherNotification{
		UserID:         uuid.New(),
		NotificationID: uuid.New(),
		CityName:       "São Paulo",
		UF:             "SP",
		Date:           "2024-05-02",
		MinTemp:        18,
		MaxTemp:        27,
		Message:        "forecast",
	}

	if err := p.Publish(context.Background(), n, "Bearer abc"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if ch.key != SSEQueue {
		t.Errorf("routing key = %q, want %q", ch.key, SSEQueue)
	}
	if got := ch.msg.Headers["Authorization"]; got != "Bearer abc" {
		t.Errorf("Authorization header = %v", got)
	}

	var decoded domain.WeatherNotification
	if err := json.Unmarshal(ch.msg.Body, &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if decoded.NotificationID != n.NotificationID || decoded.MaxTemp != 27 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestPublish_NoTokenNoHeader(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{ch: ch, log: zap.NewNop()}

	if err := p.Publish(context.Background(), domain.WeatherNotification{}, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, present := ch.msg.Headers["Authorization"]; present {
		t.Error("Authorization header set for empty token")
	}
}
