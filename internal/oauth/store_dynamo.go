package oauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/fuomag9/square-bridge/internal/apierror"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStateStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Item attributes. "ttl" is the table's native expiry attribute in epoch
// seconds; "timestamp" is the creation time in epoch milliseconds.
const (
	attrState         = "state"
	attrTimestamp     = "timestamp"
	attrUsed          = "used"
	attrTTL           = "ttl"
	attrCodeVerifier  = "code_verifier"
	attrCodeChallenge = "code_challenge"
	attrRedirectURL   = "redirectUrl"
)

// DynamoStateStore keeps states in a DynamoDB table keyed by state.
type DynamoStateStore struct {
	client DynamoAPI
	table  string
}

// NewDynamoStateStore creates a backend for table.
func NewDynamoStateStore(client DynamoAPI, table string) *DynamoStateStore {
	return &DynamoStateStore{client: client, table: table}
}

// Put implements StateBackend
func (s *DynamoStateStore) Put(ctx context.Context, rec StateRecord) error {
	item := map[string]types.AttributeValue{
		attrState:       &types.AttributeValueMemberS{Value: rec.State},
		attrTimestamp:   numberAttr(rec.CreatedAt.UnixMilli()),
		attrUsed:        &types.AttributeValueMemberBOOL{Value: false},
		attrTTL:         numberAttr(rec.ExpiresAt.Unix()),
		attrRedirectURL: &types.AttributeValueMemberS{Value: rec.RedirectURI},
	}
	if rec.CodeVerifier != "" {
		item[attrCodeVerifier] = &types.AttributeValueMemberS{Value: rec.CodeVerifier}
	}
	if rec.CodeChallenge != "" {
		item[attrCodeChallenge] = &types.AttributeValueMemberS{Value: rec.CodeChallenge}
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#state)"),
		ExpressionAttributeNames: map[string]string{"#state": attrState},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return apierror.New(apierror.KindValidation, "state already exists")
		}
		return fmt.Errorf("failed to put oauth state: %w", err)
	}
	return nil
}

// Consume implements StateBackend. The update is conditioned on the item
// existing, being unused and unexpired; on failure the old item is returned
// with the exception so the rejection can be classified without a second read.
func (s *DynamoStateStore) Consume(ctx context.Context, state string, now time.Time) (StateRecord, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrState: &types.AttributeValueMemberS{Value: state},
		},
		UpdateExpression:    aws.String("SET #used = :true"),
		ConditionExpression: aws.String("attribute_exists(#state) AND #used = :false AND #ttl > :now"),
		ExpressionAttributeNames: map[string]string{
			"#state": attrState,
			"#used":  attrUsed,
			"#ttl":   attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":now":   numberAttr(now.Unix()),
		},
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return StateRecord{}, classifyUnconsumable(nil, now)
			}
			rec := recordFromItem(ccf.Item)
			return StateRecord{}, classifyUnconsumable(&rec, now)
		}
		return StateRecord{}, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	return recordFromItem(out.Attributes), nil
}

// PurgeExpired implements StateBackend. The table's TTL attribute handles
// expiry.
func (s *DynamoStateStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func numberAttr(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func recordFromItem(item map[string]types.AttributeValue) StateRecord {
	var rec StateRecord
	if v, ok := item[attrState].(*types.AttributeValueMemberS); ok {
		rec.State = v.Value
	}
	if v, ok := item[attrRedirectURL].(*types.AttributeValueMemberS); ok {
		rec.RedirectURI = v.Value
	}
	if v, ok := item[attrCodeVerifier].(*types.AttributeValueMemberS); ok {
		rec.CodeVerifier = v.Value
	}
	if v, ok := item[attrCodeChallenge].(*types.AttributeValueMemberS); ok {
		rec.CodeChallenge = v.Value
	}
	if v, ok := item[attrUsed].(*types.AttributeValueMemberBOOL); ok {
		rec.Used = v.Value
	}
	if v, ok := item[attrTimestamp].(*types.AttributeValueMemberN); ok {
		if ms, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			rec.CreatedAt = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := item[attrTTL].(*types.AttributeValueMemberN); ok {
		if secs, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			rec.ExpiresAt = time.Unix(secs, 0).UTC()
		}
	}
	return rec
}
