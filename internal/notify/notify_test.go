package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusbazaar/unlockd/internal/realtime"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingRelay struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
}

func (r *recordingRelay) Name() string { return r.name }

func (r *recordingRelay) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fakeSQS struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestEvent_Recipients(t *testing.T) {
	ev := NewEvent(EventUnlockGranted, "buyer", "item_1")
	assert.Equal(t, []string{"buyer"}, ev.Recipients())

	ev.SellerID = "seller"
	assert.Equal(t, []string{"buyer", "seller"}, ev.Recipients())
	assert.NotEmpty(t, ev.ID)
}

func TestDispatcher_PublishContinuesPastFailingRelay(t *testing.T) {
	bad := &recordingRelay{name: "bad", err: errors.New("down")}
	good := &recordingRelay{name: "good"}
	d := NewDispatcher(quietLogger(), time.Second, bad, good)

	d.Publish(context.Background(), NewEvent(EventUnlockGranted, "u1", "i1"))

	assert.Equal(t, 1, bad.count())
	assert.Equal(t, 1, good.count())
}

func TestDispatcher_NotifyDeliversAsync(t *testing.T) {
	r := &recordingRelay{name: "rec"}
	d := NewDispatcher(quietLogger(), time.Second, r)
	d.Start(2)

	for i := 0; i < 5; i++ {
		d.Notify(NewEvent(EventWalletRefunded, "u1", "i1"))
	}
	d.Close()

	assert.Equal(t, 5, r.count())
}

func TestDispatcher_NotifyAfterCloseIsDropped(t *testing.T) {
	r := &recordingRelay{name: "rec"}
	d := NewDispatcher(quietLogger(), time.Second, r)
	d.Start(1)
	d.Close()
	d.Close()

	d.Notify(NewEvent(EventUnlockGranted, "u1", "i1"))
	assert.Equal(t, 0, r.count())
}

func TestRedisRelay_Publish(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.Regexp().ExpectPublish("unlockd.events", `.*`).SetVal(1)

	relay := NewRedisRelay(db, "unlockd.events")
	err := relay.Publish(context.Background(), NewEvent(EventUnlockGranted, "u1", "i1"))

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisRelay_PublishError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mock.Regexp().ExpectPublish("unlockd.events", `.*`).SetErr(errors.New("connection refused"))

	relay := NewRedisRelay(db, "unlockd.events")
	err := relay.Publish(context.Background(), NewEvent(EventUnlockGranted, "u1", "i1"))

	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQSRelay_Publish(t *testing.T) {
	sender := &fakeSQS{}
	relay := NewSQSRelay(sender, "https://sqs.local/queue")

	ev := NewEvent(EventUnlockUpgraded, "u1", "i1")
	ev.Tier = "premium"
	require.NoError(t, relay.Publish(context.Background(), ev))

	require.NotNil(t, sender.input)
	assert.Equal(t, "https://sqs.local/queue", *sender.input.QueueUrl)
	assert.Equal(t, "unlock.upgraded", *sender.input.MessageAttributes["eventType"].StringValue)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(*sender.input.MessageBody), &got))
	assert.Equal(t, "premium", got.Tier)
}

func TestSQSRelay_PublishError(t *testing.T) {
	relay := NewSQSRelay(&fakeSQS{err: errors.New("throttled")}, "q")
	assert.Error(t, relay.Publish(context.Background(), NewEvent(EventUnlockGranted, "u1", "i1")))
}

func TestWebhookRelay_SignsPayload(t *testing.T) {
	var gotSig, gotTS, gotType string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Unlockd-Signature")
		gotTS = r.Header.Get("X-Unlockd-Timestamp")
		gotType = r.Header.Get("X-Unlockd-Event")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	relay := NewWebhookRelay(srv.URL, "whsec", srv.Client())
	require.NoError(t, relay.Publish(context.Background(), NewEvent(EventUnlockGranted, "u1", "i1")))

	assert.Equal(t, "unlock.granted", gotType)
	assert.Equal(t, SignWebhook("whsec", gotTS, body), gotSig)
}

func TestWebhookRelay_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	relay := NewWebhookRelay(srv.URL, "whsec", srv.Client())
	assert.Error(t, relay.Publish(context.Background(), NewEvent(EventUnlockGranted, "u1", "i1")))
}

func TestHubRelay_Publish(t *testing.T) {
	hub := realtime.NewHub(quietLogger())
	relay := NewHubRelay(hub)

	assert.NoError(t, relay.Publish(context.Background(), NewEvent(EventQuotaExhausted, "u1", "i1")))
	assert.Equal(t, "ws", relay.Name())
}

func TestLogRelay_Publish(t *testing.T) {
	assert.NoError(t, NewLogRelay(quietLogger()).Publish(context.Background(), NewEvent(EventUnlockGranted, "u1", "i1")))
}
