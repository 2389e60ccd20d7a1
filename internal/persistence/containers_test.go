package persistence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/boardflow/internal/testutil"
)

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
}

func TestRedisTestSuite(t *testing.T) {
	addr := testutil.GetRedisAddress(t)
	s := new(RedisStoreTestSuite)
	s.client = redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = s.client.Close() })
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	suite.Run(t, s)
}

func (r *RedisStoreTestSuite) SetupTest() {
	r.Require().NoError(r.client.FlushDB(context.Background()).Err())
}

func (r *RedisStoreTestSuite) TestRunStore() {
	testRunStore(r.T(), NewRedisRunStore(r.client, "boardflow:test:"))
}

func (r *RedisStoreTestSuite) TestEventStore() {
	testEventStore(r.T(), NewRedisRunStore(r.client, "boardflow:test:"))
}

func TestPostgresStores(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)
	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, table := range []string{"runs", "run_events"} {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}

	runs, err := NewPostgresRunStore(db)
	if err != nil {
		t.Fatalf("NewPostgresRunStore failed: %v", err)
	}
	testRunStore(t, runs)

	events, err := NewPostgresEventStore(db)
	if err != nil {
		t.Fatalf("NewPostgresEventStore failed: %v", err)
	}
	testEventStore(t, events)
}

func TestMongoStores(t *testing.T) {
	uri := testutil.GetMongoURI(t)
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := "boardflow_test_" + t.Name()
	if err := client.Database(db).Drop(ctx); err != nil {
		t.Fatalf("drop database: %v", err)
	}
	store := NewMongoRunStore(client, db)
	testRunStore(t, store)
	testEventStore(t, store)
}
