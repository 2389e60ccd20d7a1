package taskqueue

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/boardflow/internal/testutil"
)

func TestInMemoryQueue(t *testing.T) {
	testQueue(t, NewInMemoryQueue())
}

func TestSQLiteQueue(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	testQueue(t, q)
}

func TestPostgresQueue(t *testing.T) {
	db, err := sql.Open("pgx", testutil.GetPostgresDSN(t))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`DROP TABLE IF EXISTS queue_tasks`); err != nil {
		t.Fatalf("drop queue_tasks: %v", err)
	}

	q, err := NewPostgresQueue(db)
	if err != nil {
		t.Fatalf("NewPostgresQueue failed: %v", err)
	}
	testQueue(t, q)
}

func TestMongoQueue(t *testing.T) {
	ctx := context.Background()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	if err := client.Database("boardflow_queue_test").Drop(ctx); err != nil {
		t.Fatalf("drop database: %v", err)
	}
	testQueue(t, NewMongoQueue(client, "boardflow_queue_test"))
}

type RedisQueueTestSuite struct {
	suite.Suite
	client *redis.Client
	queue  *RedisQueue
}

func TestRedisQueueSuite(t *testing.T) {
	s := new(RedisQueueTestSuite)
	s.client = redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = s.client.Close() })
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	s.queue = NewRedisQueue(s.client, "boardflow:test:")
	suite.Run(t, s)
}

func (r *RedisQueueTestSuite) SetupTest() {
	r.Require().NoError(r.client.Del(context.Background(), r.queue.key, r.queue.delayed).Err())
}

func (r *RedisQueueTestSuite) TestContract() {
	testQueue(r.T(), r.queue)
}

func (r *RedisQueueTestSuite) TestDefaultPrefix() {
	q := NewRedisQueue(r.client, "")
	r.Equal("boardflow:tasks", q.key)
	r.Equal("boardflow:tasks:delayed", q.delayed)
}
