package delivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/quarryforge/quarry/apclient"
	"github.com/quarryforge/quarry/apub"
	"github.com/quarryforge/quarry/store"
	"github.com/quarryforge/quarry/types"
)

var tracer = otel.Tracer("delivery")

const (
	pendingKey = "quarry:delivery:pending"
	retryKey   = "quarry:delivery:retry"

	// MaxAttempts bounds at-least-once redelivery per recipient.
	MaxAttempts = 5

	baseBackoff = 30 * time.Second
)

// Envelope is one pending delivery: a prepared activity body bound for a
// single inbox. Recipients never share envelopes, so one slow or dead
// instance cannot block the rest of a fan-out.
type Envelope struct {
	ID         string          `json:"id"`
	Inbox      string          `json:"inbox"`
	SignerApID string          `json:"signer"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
}

// Enqueuer is the surface services depend on; Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, signer types.Actor, payload []byte, inboxes []string) error
}

// LocalSink receives envelopes addressed to this instance without an HTTP
// round-trip. The ap service satisfies it.
type LocalSink interface {
	DeliverLocal(ctx context.Context, inbox string, body []byte) error
}

// Queue signs and delivers activities asynchronously with bounded
// exponential backoff. Pending work lives in a redis list, scheduled retries
// in a redis sorted set scored by due time.
type Queue struct {
	rdb    *redis.Client
	store  *store.Store
	client *apclient.ApClient
	ns     apub.Namespace
	sink   LocalSink
}

func NewQueue(rdb *redis.Client, store *store.Store, client *apclient.ApClient, config types.ApConfig) *Queue {
	return &Queue{
		rdb:    rdb,
		store:  store,
		client: client,
		ns:     apub.NewNamespace(config),
	}
}

// SetLocalSink wires the local short-circuit. Set once at startup.
func (q *Queue) SetLocalSink(sink LocalSink) {
	q.sink = sink
}

// Backoff is the delay before redelivery attempt n (1-based).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return baseBackoff << (attempt - 1)
}

// DedupeInboxes drops empty and repeated recipients, preserving order.
func DedupeInboxes(inboxes []string) []string {
	seen := make(map[string]bool, len(inboxes))
	out := make([]string, 0, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		out = append(out, inbox)
	}
	return out
}

// Enqueue schedules payload for delivery to every distinct inbox, signed by
// signer. The local write preceding the enqueue has already committed; from
// here on failures are retried by the queue, never surfaced to the user.
func (q *Queue) Enqueue(ctx context.Context, signer types.Actor, payload []byte, inboxes []string) error {
	ctx, span := tracer.Start(ctx, "Queue.Enqueue")
	defer span.End()

	// the only enqueue-time failure the caller sees: an unsignable actor
	if _, err := store.LoadPrivateKey(signer); err != nil {
		span.RecordError(err)
		return err
	}

	for _, inbox := range DedupeInboxes(inboxes) {
		env := Envelope{
			ID:         uuid.New().String(),
			Inbox:      inbox,
			SignerApID: signer.ActorApID(),
			Payload:    payload,
		}
		b, err := json.Marshal(env)
		if err != nil {
			return errors.Wrap(types.ErrInternal, err.Error())
		}
		if err := q.rdb.LPush(ctx, pendingKey, b).Err(); err != nil {
			span.RecordError(err)
			return errors.Wrap(types.ErrInternal, err.Error())
		}
	}
	return nil
}
