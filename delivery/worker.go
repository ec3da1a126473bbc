package delivery

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Run starts the queue consumers. Call once; the goroutines live for the
// process lifetime.
func (q *Queue) Run() {
	go q.runPending()
	go q.runRetry()
}

func (q *Queue) runPending() {
	log.Printf("start delivery worker")

	ctx := context.Background()
	for {
		res, err := q.rdb.BRPop(ctx, 5*time.Second, pendingKey).Result()
		if err != nil {
			if err != redis.Nil {
				log.Printf("delivery/pending BRPop: %v", err)
				time.Sleep(time.Second)
			}
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			log.Printf("delivery/pending json.Unmarshal: %v", err)
			continue
		}

		go q.deliver(ctx, env)
	}
}

// runRetry moves due envelopes from the retry schedule back onto the
// pending list.
func (q *Queue) runRetry() {
	ctx := context.Background()
	ticker := time.NewTicker(time.Second)

	for ; true; <-ticker.C {
		now := strconv.FormatInt(time.Now().Unix(), 10)
		due, err := q.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   now,
			Count: 100,
		}).Result()
		if err != nil {
			log.Printf("delivery/retry ZRangeByScore: %v", err)
			continue
		}

		for _, member := range due {
			removed, err := q.rdb.ZRem(ctx, retryKey, member).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.rdb.LPush(ctx, pendingKey, member).Err(); err != nil {
				log.Printf("delivery/retry LPush: %v", err)
			}
		}
	}
}

func (q *Queue) deliver(ctx context.Context, env Envelope) {
	ctx, span := tracer.Start(ctx, "Queue.deliver")
	defer span.End()

	var err error
	if q.ns.IsLocal(env.Inbox) && q.sink != nil {
		// self-addressed: hand the body straight to the inbox service
		err = q.sink.DeliverLocal(ctx, env.Inbox, env.Payload)
	} else {
		actor, lookupErr := q.store.GetActorByApID(ctx, env.SignerApID)
		if lookupErr != nil {
			log.Printf("delivery/%s signer %s gone: %v", env.ID, env.SignerApID, lookupErr)
			return
		}
		err = q.client.PostRawToInbox(ctx, env.Inbox, env.Payload, actor)
	}

	if err == nil {
		return
	}
	span.RecordError(err)
	q.scheduleRetry(ctx, env, err)
}

func (q *Queue) scheduleRetry(ctx context.Context, env Envelope, cause error) {
	env.Attempt++
	if env.Attempt >= MaxAttempts {
		log.Printf("delivery/%s to %s gave up after %d attempts: %v", env.ID, env.Inbox, env.Attempt, cause)
		return
	}

	log.Printf("delivery/%s to %s attempt %d failed, retrying in %v: %v",
		env.ID, env.Inbox, env.Attempt, Backoff(env.Attempt), cause)

	b, err := json.Marshal(env)
	if err != nil {
		log.Printf("delivery/%s json.Marshal: %v", env.ID, err)
		return
	}
	err = q.rdb.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(time.Now().Add(Backoff(env.Attempt)).Unix()),
		Member: b,
	}).Err()
	if err != nil {
		log.Printf("delivery/%s ZAdd: %v", env.ID, err)
	}
}
