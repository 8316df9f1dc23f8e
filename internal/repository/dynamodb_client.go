package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"trustvoice-dialogue/internal/domain"
)

const skSession = "SESSION"

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps one item per user id. The table's TTL attribute ("ttl")
// reclaims abandoned conversations eventually; expiresAt is checked on every
// access because DynamoDB deletes expired items lazily.
type DynamoStore struct {
	ops
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewDynamoStore creates a DynamoDB-backed store.
func NewDynamoStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	s := &DynamoStore{
		api:       api,
		tableName: tableName,
		ttl:       resolveTTL(ttl),
		now:       time.Now,
	}
	s.ops = ops{mutate: s.mutate}
	return s, nil
}

// userPK returns the DynamoDB partition key for a user's conversation.
func userPK(userID string) string {
	return "USER#" + userID
}

func (s *DynamoStore) key(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: skSession},
	}
}

// Load returns the live conversation, or the empty state if the item is
// missing or past expiresAt. A live conversation's expiry is pushed out.
func (s *DynamoStore) Load(ctx context.Context, userID string) (domain.ConversationState, error) {
	if err := validateUserID(userID); err != nil {
		return domain.ConversationState{}, err
	}
	state, found, err := s.get(ctx, userID)
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Load: %w", err)
	}
	now := s.now()
	if !found || state.Expired(now) {
		return domain.NewConversationState(userID), nil
	}

	state.Touch(now, s.ttl)
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(userID),
		UpdateExpression:    aws.String("SET expiresAt = :exp, #ttl = :ttl"),
		ConditionExpression: aws.String("version = :v"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp": numAttr(state.ExpiresAt.UnixMilli()),
			":ttl": numAttr(state.ExpiresAt.Unix()),
			":v":   numAttr(state.Version),
		},
	})
	// A failed condition means a concurrent writer won, and its write
	// already refreshed the expiry.
	var ccf *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &ccf) {
		return domain.ConversationState{}, fmt.Errorf("repository: Load refresh: %w", err)
	}
	return state, nil
}

// Clear deletes the conversation item.
func (s *DynamoStore) Clear(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(userID),
	})
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", err)
	}
	return nil
}

// mutate is a versioned read-modify-write. The put only succeeds if the item
// still carries the version that was read.
func (s *DynamoStore) mutate(ctx context.Context, userID string, fn func(*domain.ConversationState) error) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	for i := 0; i < maxOptimisticWrites; i++ {
		current, found, err := s.get(ctx, userID)
		if err != nil {
			return fmt.Errorf("repository: mutate read: %w", err)
		}
		now := s.now()

		next := domain.NewConversationState(userID)
		if found && !current.Expired(now) {
			next = current
		}
		if err := fn(&next); err != nil {
			return err
		}
		next.Touch(now, s.ttl)
		next.Version = current.Version + 1

		in := &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
		}
		if in.Item, err = stateItem(next); err != nil {
			return fmt.Errorf("repository: mutate encode: %w", err)
		}
		if found {
			in.ConditionExpression = aws.String("version = :v")
			in.ExpressionAttributeValues = map[string]types.AttributeValue{
				":v": numAttr(current.Version),
			}
		} else {
			in.ConditionExpression = aws.String("attribute_not_exists(PK)")
		}

		_, err = s.api.PutItem(ctx, in)
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			continue
		}
		if err != nil {
			return fmt.Errorf("repository: mutate write: %w", err)
		}
		return nil
	}
	return ErrConcurrentModification
}

func (s *DynamoStore) get(ctx context.Context, userID string) (domain.ConversationState, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, false, err
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationState{}, false, nil
	}
	state, err := itemToState(userID, out.Item)
	if err != nil {
		return domain.ConversationState{}, false, err
	}
	return state, true, nil
}

// stateItem converts a ConversationState to its DynamoDB attribute map.
// Entities are stored as a JSON string so nested values round-trip as-is.
func stateItem(state domain.ConversationState) (map[string]types.AttributeValue, error) {
	entities := state.Entities
	if entities == nil {
		entities = map[string]any{}
	}
	entitiesJSON, err := json.Marshal(entities)
	if err != nil {
		return nil, err
	}

	history := make([]types.AttributeValue, 0, len(state.History))
	for _, m := range state.History {
		history = append(history, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role": &types.AttributeValueMemberS{Value: string(m.Role)},
			"text": &types.AttributeValueMemberS{Value: m.Text},
		}})
	}

	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(state.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: skSession},
		"userId":    &types.AttributeValueMemberS{Value: state.UserID},
		"history":   &types.AttributeValueMemberL{Value: history},
		"entities":  &types.AttributeValueMemberS{Value: string(entitiesJSON)},
		"intent":    &types.AttributeValueMemberS{Value: state.Intent},
		"language":  &types.AttributeValueMemberS{Value: state.Language},
		"turnCount": numAttr(int64(state.TurnCount)),
		"version":   numAttr(state.Version),
		"expiresAt": numAttr(state.ExpiresAt.UnixMilli()),
		"ttl":       numAttr(state.ExpiresAt.Unix()),
	}, nil
}

// itemToState converts a DynamoDB attribute map to a ConversationState.
func itemToState(userID string, item map[string]types.AttributeValue) (domain.ConversationState, error) {
	state := domain.NewConversationState(userID)

	if l, ok := item["history"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return domain.ConversationState{}, errors.New("repository: history entry is not a map")
			}
			role, err := strAttr(m.Value, "role")
			if err != nil {
				return domain.ConversationState{}, err
			}
			text, _ := strAttr(m.Value, "text") // allow empty
			state.History = append(state.History, domain.Message{Role: domain.Role(role), Text: text})
		}
	}

	if raw, err := strAttr(item, "entities"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &state.Entities); err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: decode entities: %w", err)
		}
		if state.Entities == nil {
			state.Entities = map[string]any{}
		}
	}

	state.Intent, _ = strAttr(item, "intent")     // allow empty
	state.Language, _ = strAttr(item, "language") // allow empty

	turns, err := intAttr(item, "turnCount")
	if err != nil {
		return domain.ConversationState{}, err
	}
	state.TurnCount = int(turns)
	if state.Version, err = intAttr(item, "version"); err != nil {
		return domain.ConversationState{}, err
	}
	expiresAt, err := intAttr(item, "expiresAt")
	if err != nil {
		return domain.ConversationState{}, err
	}
	state.ExpiresAt = time.UnixMilli(expiresAt)
	return state, nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
