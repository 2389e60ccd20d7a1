package persistence

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/boardflow/pkg/api"
)

// MongoRunStore is a RunStore and EventStore backed by MongoDB. Runs live in
// the "runs" collection and events in "run_events" of the given database.
type MongoRunStore struct {
	runs   *mongo.Collection
	events *mongo.Collection
}

var (
	_ RunStore   = (*MongoRunStore)(nil)
	_ EventStore = (*MongoRunStore)(nil)
)

type mongoRunDoc struct {
	ID        string `bson:"_id"`
	Board     string `bson:"board"`
	Status    string `bson:"status"`
	CreatedAt int64  `bson:"created_at"`
	Payload   string `bson:"payload"`
}

type mongoEventDoc struct {
	RunID  string `bson:"run_id"`
	At     int64  `bson:"at"`
	Type   string `bson:"type"`
	Board  string `bson:"board,omitempty"`
	Node   string `bson:"node,omitempty"`
	Detail string `bson:"detail,omitempty"`
}

// NewMongoRunStore creates a store in dbName (default "boardflow").
func NewMongoRunStore(client *mongo.Client, dbName string) *MongoRunStore {
	if dbName == "" {
		dbName = "boardflow"
	}
	db := client.Database(dbName)
	return &MongoRunStore{
		runs:   db.Collection("runs"),
		events: db.Collection("run_events"),
	}
}

func toMongoRun(rec *api.RunRecord) (mongoRunDoc, error) {
	payload, err := EncodeRun(rec)
	if err != nil {
		return mongoRunDoc{}, err
	}
	return mongoRunDoc{
		ID:        rec.ID,
		Board:     rec.Board,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.UnixNano(),
		Payload:   string(payload),
	}, nil
}

func (s *MongoRunStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	doc, err := toMongoRun(rec)
	if err != nil {
		return err
	}
	_, err = s.runs.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrRunExists
	}
	return err
}

func (s *MongoRunStore) UpdateRun(ctx context.Context, rec *api.RunRecord) error {
	doc, err := toMongoRun(rec)
	if err != nil {
		return err
	}
	res, err := s.runs.UpdateByID(ctx, rec.ID, bson.M{"$set": bson.M{
		"board":   doc.Board,
		"status":  doc.Status,
		"payload": doc.Payload,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *MongoRunStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	var doc mongoRunDoc
	if err := s.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeRun([]byte(doc.Payload))
}

func (s *MongoRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	query := bson.M{}
	if filter.Board != "" {
		query["board"] = filter.Board
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.runs.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []*api.RunRecord
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := DecodeRun([]byte(doc.Payload))
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, cur.Err()
}

func (s *MongoRunStore) AppendEvent(ctx context.Context, ev api.RunEvent) error {
	_, err := s.events.InsertOne(ctx, mongoEventDoc{
		RunID:  ev.RunID,
		At:     eventTime(ev).UnixNano(),
		Type:   string(ev.Type),
		Board:  ev.Board,
		Node:   ev.Node,
		Detail: ev.Detail,
	})
	return err
}

func (s *MongoRunStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	// _id is an ObjectID, which orders by insertion within one client.
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.events.Find(ctx, bson.M{"run_id": runID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.RunEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.RunEvent{
			RunID:  doc.RunID,
			At:     unixNano(doc.At),
			Type:   api.EventType(doc.Type),
			Board:  doc.Board,
			Node:   doc.Node,
			Detail: doc.Detail,
		})
	}
	return out, cur.Err()
}
