// Package dynamorepo implements idempotent.Repository on a DynamoDB table.
//
// The table needs a string partition key; its name is configurable and
// defaults to "message_key".
package dynamorepo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/fxsml/gomediate/idempotent"
)

// API is the subset of the DynamoDB client used by Repository.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Attribute names written by Repository besides the partition key.
const (
	AttrConfirmed = "confirmed"
	AttrExpiresAt = "expires_at"
)

// Config configures a Repository.
type Config struct {
	// Table is the table name. Required.
	Table string

	// KeyAttribute is the partition key attribute. Default: "message_key".
	KeyAttribute string

	// TTL sets the expires_at attribute for DynamoDB time to live. Zero
	// omits it.
	TTL time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

func (c Config) parse() Config {
	if c.KeyAttribute == "" {
		c.KeyAttribute = "message_key"
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Repository stores keys as items. Add is a conditional put, so exactly one
// concurrent caller creates a given item.
type Repository struct {
	api API
	cfg Config
}

var _ idempotent.Repository = (*Repository)(nil)

// New returns a Repository using api.
func New(api API, cfg Config) (*Repository, error) {
	if cfg.Table == "" {
		return nil, errors.New("dynamorepo: table is required")
	}
	return &Repository{api: api, cfg: cfg.parse()}, nil
}

func (r *Repository) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		r.cfg.KeyAttribute: &types.AttributeValueMemberS{Value: key},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// Add implements idempotent.Repository.
func (r *Repository) Add(ctx context.Context, key string) (bool, error) {
	item := r.itemKey(key)
	item[AttrConfirmed] = &types.AttributeValueMemberBOOL{Value: false}
	if r.cfg.TTL > 0 {
		exp := r.cfg.Now().Add(r.cfg.TTL).Unix()
		item[AttrExpiresAt] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}

	_, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.cfg.Table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": r.cfg.KeyAttribute},
	})
	if isConditionFailed(err) {
		return true, nil
	}
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "add", Key: key, Err: err}
	}
	return false, nil
}

// Contains implements idempotent.Repository.
func (r *Repository) Contains(ctx context.Context, key string) (bool, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.cfg.Table),
		Key:            r.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "contains", Key: key, Err: err}
	}
	return len(out.Item) > 0, nil
}

// Remove implements idempotent.Repository.
func (r *Repository) Remove(ctx context.Context, key string) (bool, error) {
	out, err := r.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(r.cfg.Table),
		Key:          r.itemKey(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "remove", Key: key, Err: err}
	}
	return len(out.Attributes) > 0, nil
}

// Confirm implements idempotent.Repository by setting the confirmed
// attribute of an existing item. It reports false when the item is missing.
func (r *Repository) Confirm(ctx context.Context, key string) (bool, error) {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.cfg.Table),
		Key:                      r.itemKey(key),
		UpdateExpression:         aws.String("SET #c = :t"),
		ConditionExpression:      aws.String("attribute_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#c": AttrConfirmed, "#k": r.cfg.KeyAttribute},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "confirm", Key: key, Err: err}
	}
	return true, nil
}

// Clear implements idempotent.Repository by scanning the table and deleting
// every item. Intended for tests and maintenance, not hot paths.
func (r *Repository) Clear(ctx context.Context) error {
	var start map[string]types.AttributeValue
	for {
		out, err := r.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(r.cfg.Table),
			ProjectionExpression:     aws.String("#k"),
			ExpressionAttributeNames: map[string]string{"#k": r.cfg.KeyAttribute},
			ExclusiveStartKey:        start,
		})
		if err != nil {
			return &idempotent.RepositoryError{Op: "clear", Err: err}
		}
		for _, item := range out.Items {
			if _, err := r.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(r.cfg.Table),
				Key:       map[string]types.AttributeValue{r.cfg.KeyAttribute: item[r.cfg.KeyAttribute]},
			}); err != nil {
				return &idempotent.RepositoryError{Op: "clear", Err: err}
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		start = out.LastEvaluatedKey
	}
}
