package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/redis/go-redis/v9"

	"github.com/campusbazaar/unlockd/internal/realtime"
)

// LogRelay writes events to the structured log.
type LogRelay struct {
	logger *slog.Logger
}

func NewLogRelay(logger *slog.Logger) *LogRelay { return &LogRelay{logger: logger} }

func (r *LogRelay) Name() string { return "log" }

func (r *LogRelay) Publish(_ context.Context, ev Event) error {
	r.logger.Info("notification",
		"type", ev.Type, "event_id", ev.ID, "user_id", ev.UserID,
		"seller_id", ev.SellerID, "item_id", ev.ItemID, "tier", ev.Tier)
	return nil
}

// RedisRelay publishes events on a Redis channel the chat service subscribes to.
type RedisRelay struct {
	client  redis.Cmdable
	channel string
}

func NewRedisRelay(client redis.Cmdable, channel string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel}
}

func (r *RedisRelay) Name() string { return "redis" }

func (r *RedisRelay) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, string(data)).Err(); err != nil {
		return fmt.Errorf("notify: redis publish: %w", err)
	}
	return nil
}

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSRelay sends events to an SQS queue.
type SQSRelay struct {
	client   SQSSender
	queueURL string
}

func NewSQSRelay(client SQSSender, queueURL string) *SQSRelay {
	return &SQSRelay{client: client, queueURL: queueURL}
}

func (r *SQSRelay) Name() string { return "sqs" }

func (r *SQSRelay) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	_, err = r.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Type)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("notify: sqs send: %w", err)
	}
	return nil
}

// WebhookRelay POSTs events to a collaborator URL, signed with
// hex(HMAC-SHA256(secret, timestamp + "." + body)).
type WebhookRelay struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookRelay(url, secret string, client *http.Client) *WebhookRelay {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookRelay{url: url, secret: secret, client: client}
}

func (r *WebhookRelay) Name() string { return "webhook" }

func (r *WebhookRelay) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	ts := strconv.FormatInt(ev.OccurredAt.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Unlockd-Event", string(ev.Type))
	req.Header.Set("X-Unlockd-Timestamp", ts)
	req.Header.Set("X-Unlockd-Signature", SignWebhook(r.secret, ts, payload))

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook status %d", resp.StatusCode)
	}
	return nil
}

// SignWebhook computes the webhook signature receivers verify.
func SignWebhook(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// HubRelay pushes events to the recipients' open websocket sessions.
type HubRelay struct {
	hub *realtime.Hub
}

func NewHubRelay(hub *realtime.Hub) *HubRelay { return &HubRelay{hub: hub} }

func (r *HubRelay) Name() string { return "ws" }

// Publish never fails: a recipient with no open session simply sees the
// new state on their next fetch.
func (r *HubRelay) Publish(_ context.Context, ev Event) error {
	r.hub.Publish(&realtime.Event{
		Type:       string(ev.Type),
		Timestamp:  ev.OccurredAt,
		Data:       ev,
		Recipients: ev.Recipients(),
	})
	return nil
}
