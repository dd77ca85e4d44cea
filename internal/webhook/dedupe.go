package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
)

// DefaultDedupeTTL bounds how long a callback ID is remembered. Providers
// retry for at most a few days.
const DefaultDedupeTTL = 72 * time.Hour

// Deduper is an atomic set-if-absent with expiry.
type Deduper interface {
	// Claim returns true the first time key is seen within the TTL.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later delivery of the same callback is applied.
	Release(ctx context.Context, key string) error
}

// =============================================================================
// In-memory
// =============================================================================

// MemoryDeduper keeps claims in a map. Expired entries are swept lazily.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	seen   map[string]time.Time
	lastGC time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if now.Sub(d.lastGC) > d.ttl {
		for k, exp := range d.seen {
			if !exp.After(now) {
				delete(d.seen, k)
			}
		}
		d.lastGC = now
	}
	if exp, ok := d.seen[key]; ok && exp.After(now) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// =============================================================================
// Redis
// =============================================================================

// RedisDeduper claims keys with SET NX EX.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "webhook:seen:"
	}
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// =============================================================================
// DynamoDB
// =============================================================================
// One item per claim, keyed by "pk". Enable the table's TTL on
// "expires_at" so old claims are purged.

// DynamoAPI is the subset of the DynamoDB client the deduper uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type dedupeItem struct {
	PK        string `dynamodbav:"pk"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoDeduper claims keys with a conditional PutItem. An item whose
// expires_at has passed counts as absent even before DynamoDB purges it.
type DynamoDeduper struct {
	client DynamoAPI
	table  string
	ttl    time.Duration
	now    func() time.Time
}

func NewDynamoDeduper(client DynamoAPI, table string, ttl time.Duration) *DynamoDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &DynamoDeduper{client: client, table: table, ttl: ttl, now: time.Now}
}

func (d *DynamoDeduper) Claim(ctx context.Context, key string) (bool, error) {
	now := d.now()
	item, err := attributevalue.MarshalMap(dedupeItem{PK: key, ExpiresAt: now.Add(d.ttl).Unix()})
	if err != nil {
		return false, fmt.Errorf("marshal dedupe item: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamodb put %s: %w", d.table, err)
	}
	return true, nil
}

func (d *DynamoDeduper) Release(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return fmt.Errorf("dynamodb delete %s: %w", d.table, err)
	}
	return nil
}
