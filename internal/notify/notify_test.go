package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"confreg/backend/internal/domain"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) templates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Template)
	}
	return out
}

func TestDispatcherDeliversOnlyNotifyingEvents(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(nil, time.Second, rec)

	d.Publish(context.Background(), []domain.Event{
		{Kind: domain.EventCartUpdated, UserID: "u1"},
		{Kind: domain.EventInvoiceCreated, UserID: "u1", Email: "ada@example.com"},
		{Kind: domain.EventCreditNoteIssued, UserID: "u1"},
		{Kind: domain.EventDonationReceived, UserID: "u1", AmountCents: 2500},
	})
	d.Wait()

	assert.Equal(t, []string{"invoice_created", "donation_acknowledgement"}, rec.templates())
	assert.Equal(t, "ada@example.com", rec.msgs[0].To)
}

func TestDispatcherLogsFailuresAndSurvivesCancelledContext(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	failing := &recorder{err: errors.New("smtp down")}
	ok := &recorder{}
	d := NewDispatcher(zap.New(core), time.Second, failing, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Publish(ctx, []domain.Event{{Kind: domain.EventRefundProcessed, UserID: "u1"}})
	d.Wait()

	assert.Equal(t, []string{"refund_processed"}, ok.templates())
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "notification delivery failed", logs.All()[0].Message)
}

type fakeSNS struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, params)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestSNSNotifierPublishesJSONEnvelope(t *testing.T) {
	fake := &fakeSNS{}
	n := &SNSNotifier{client: fake, topicARN: "arn:aws:sns:eu-west-1:000000000000:confreg"}

	err := n.Notify(context.Background(), Message{
		Template: "invoice_updated",
		To:       "ada@example.com",
		Event:    domain.Event{Kind: domain.EventInvoiceUpdated, InvoiceID: "inv-1", NewStatus: domain.InvoicePaid},
	})
	require.NoError(t, err)
	require.Len(t, fake.inputs, 1)

	input := fake.inputs[0]
	assert.Equal(t, "arn:aws:sns:eu-west-1:000000000000:confreg", aws.ToString(input.TopicArn))
	assert.Equal(t, "invoice_updated", aws.ToString(input.MessageAttributes["template"].StringValue))

	var decoded Message
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(input.Message)), &decoded))
	assert.Equal(t, "inv-1", decoded.Event.InvoiceID)
	assert.Equal(t, domain.InvoicePaid, decoded.Event.NewStatus)
}

func TestNewSNSNotifierRequiresTopic(t *testing.T) {
	_, err := NewSNSNotifier(context.Background(), "", "")
	assert.Error(t, err)
}
