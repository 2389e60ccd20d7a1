package taskqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue keeps tasks as documents of a MongoDB collection. A task is
// claimed by deleting it with FindOneAndDelete, which is atomic per document.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
	lastSeq      atomic.Int64
}

var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID        string `bson:"_id"`
	NotBefore int64  `bson:"not_before"`
	Seq       int64  `bson:"seq"`
	Payload   []byte `bson:"payload"`
}

// NewMongoQueue uses the queue_tasks collection of dbName.
func NewMongoQueue(client *mongo.Client, dbName string) *MongoQueue {
	if dbName == "" {
		dbName = "boardflow"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection("queue_tasks"),
		pollInterval: 100 * time.Millisecond,
	}
}

// nextSeq orders tasks with equal not_before: wall-clock nanoseconds, kept
// strictly increasing within the process.
func (q *MongoQueue) nextSeq() int64 {
	for {
		last := q.lastSeq.Load()
		next := max(time.Now().UnixNano(), last+1)
		if q.lastSeq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.ID == "" {
		return errors.New("mongo queue: task has no id")
	}
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}
	notBefore := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		notBefore = t.NotBefore
	}
	_, err = q.coll.InsertOne(ctx, mongoTaskDoc{
		ID:        t.ID,
		NotBefore: notBefore.UnixNano(),
		Seq:       q.nextSeq(),
		Payload:   payload,
	})
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := time.NewTimer(q.pollInterval)
	defer tmr.Stop()
	opts := options.FindOneAndDelete().SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}})
	for {
		var doc mongoTaskDoc
		err := q.coll.FindOneAndDelete(ctx, bson.M{"not_before": bson.M{"$lte": time.Now().UnixNano()}}, opts).Decode(&doc)
		if err == nil {
			return DecodeTask(doc.Payload)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
