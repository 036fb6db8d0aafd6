package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/RichardoC/chatrooms/internal/models"
)

const (
	pkRooms        = "ROOMS"
	skPrefixRoom   = "ROOM#"
	pkPrefixRoom   = "ROOM#"
	skPrefixMsg    = "MSG#"
	maxBatchWrite  = 25
	maxBatchRetry  = 5
	sortableLayout = "20060102T150405.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore is a single-table DynamoDB backend. Rooms share one partition
// so they can be listed with a Query; each room's messages live in their own
// partition, sorted by a fixed-width timestamp.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string

	mu     sync.Mutex
	lastTS time.Time
}

var _ Store = &DynamoStore{}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("db: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("db: dynamodb table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func (s *DynamoStore) Close() error { return nil }

func roomSK(id string) string { return skPrefixRoom + id }

func roomPK(id string) string { return pkPrefixRoom + id }

// msgSK must sort lexicographically in insertion order, so the timestamp is
// fixed width (RFC3339Nano trims trailing zeros and would not).
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(sortableLayout) + "#" + id
}

func roomKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkRooms},
		"SK": &types.AttributeValueMemberS{Value: roomSK(id)},
	}
}

func (s *DynamoStore) CreateRoom(ctx context.Context, title string) (models.Room, error) {
	room := models.Room{ID: newID(), Title: title, CreatedAt: s.nextTimestamp()}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                roomItem(room),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return models.Room{}, unavailable("create room", err)
	}
	return room, nil
}

func (s *DynamoStore) GetRoom(ctx context.Context, id string) (models.Room, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            roomKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.Room{}, unavailable("get room", err)
	}
	if out == nil || len(out.Item) == 0 {
		return models.Room{}, ErrNotFound
	}
	room, err := itemToRoom(out.Item)
	if err != nil {
		return models.Room{}, unavailable("get room", err)
	}
	return room, nil
}

func (s *DynamoStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	items, err := s.queryAll(ctx, pkRooms, skPrefixRoom, nil)
	if err != nil {
		return nil, unavailable("list rooms", err)
	}
	rooms := make([]models.Room, 0, len(items))
	for _, item := range items {
		room, err := itemToRoom(item)
		if err != nil {
			return nil, unavailable("list rooms", err)
		}
		rooms = append(rooms, room)
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (s *DynamoStore) RenameRoom(ctx context.Context, id, title string) (models.Room, error) {
	if err := validateRoomID("rename room", id); err != nil {
		return models.Room{}, err
	}
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 roomKey(id),
		UpdateExpression:    aws.String("SET title = :title"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title": &types.AttributeValueMemberS{Value: title},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return models.Room{}, ErrNotFound
	}
	if err != nil {
		return models.Room{}, unavailable("rename room", err)
	}
	room, err := itemToRoom(out.Attributes)
	if err != nil {
		return models.Room{}, unavailable("rename room", err)
	}
	return room, nil
}

func (s *DynamoStore) DeleteRoom(ctx context.Context, id string) error {
	keys, err := s.queryAll(ctx, roomPK(id), skPrefixMsg, aws.String("PK, SK"))
	if err != nil {
		return unavailable("delete room", err)
	}
	for start := 0; start < len(keys); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(keys))
		if err := s.batchDelete(ctx, keys[start:end]); err != nil {
			return unavailable("delete room", err)
		}
	}
	_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       roomKey(id),
	})
	if err != nil {
		return unavailable("delete room", err)
	}
	return nil
}

func (s *DynamoStore) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, key := range keys {
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
				"PK": key["PK"],
				"SK": key["SK"],
			}},
		})
	}
	pending := map[string][]types.WriteRequest{s.tableName: requests}
	for attempt := 0; attempt < maxBatchRetry && len(pending[s.tableName]) > 0; attempt++ {
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		pending = out.UnprocessedItems
	}
	if len(pending[s.tableName]) > 0 {
		return fmt.Errorf("%d message deletes left unprocessed", len(pending[s.tableName]))
	}
	return nil
}

func (s *DynamoStore) AppendMessage(ctx context.Context, roomID string, role models.Role, content string) (models.Message, error) {
	if err := validateMessage(roomID, role, content); err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:        newID(),
		RoomID:    roomID,
		Role:      role,
		Content:   content,
		CreatedAt: s.nextTimestamp(),
	}
	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:           aws.String(s.tableName),
					Key:                 roomKey(roomID),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if roomMissing(err) {
		return models.Message{}, ErrNotFound
	}
	if err != nil {
		return models.Message{}, unavailable("append message", err)
	}
	return msg, nil
}

func (s *DynamoStore) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	items, err := s.queryAll(ctx, roomPK(roomID), skPrefixMsg, nil)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	msgs := make([]models.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, unavailable("list messages", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// nextTimestamp keeps message sort keys strictly increasing within this
// process even when the clock does not advance between writes.
func (s *DynamoStore) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Nanosecond)
	}
	s.lastTS = ts
	return ts
}

// queryAll pages through every item of a partition whose sort key starts
// with prefix, in ascending sort key order.
func (s *DynamoStore) queryAll(ctx context.Context, pk, prefix string, projection *string) ([]map[string]types.AttributeValue, error) {
	var (
		items    []map[string]types.AttributeValue
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			ProjectionExpression: projection,
			ScanIndexForward:     aws.Bool(true),
			ConsistentRead:       aws.Bool(true),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func roomMissing(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	// the first transact item is the room condition check
	if len(canceled.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(canceled.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

func roomItem(room models.Room) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: pkRooms},
		"SK":        &types.AttributeValueMemberS{Value: roomSK(room.ID)},
		"id":        &types.AttributeValueMemberS{Value: room.ID},
		"title":     &types.AttributeValueMemberS{Value: room.Title},
		"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(room.CreatedAt.UnixNano(), 10)},
	}
}

func messageItem(msg models.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: roomPK(msg.RoomID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		"id":        &types.AttributeValueMemberS{Value: msg.ID},
		"roomId":    &types.AttributeValueMemberS{Value: msg.RoomID},
		"role":      &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":   &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(msg.CreatedAt.UnixNano(), 10)},
	}
}

func itemToRoom(item map[string]types.AttributeValue) (models.Room, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return models.Room{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	created, err := int64Attr(item, "createdAt")
	if err != nil {
		return models.Room{}, err
	}
	return models.Room{ID: id, Title: title, CreatedAt: time.Unix(0, created).UTC()}, nil
}

func itemToMessage(item map[string]types.AttributeValue) (models.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return models.Message{}, err
	}
	roomID, err := strAttr(item, "roomId")
	if err != nil {
		return models.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return models.Message{}, err
	}
	content, _ := strAttr(item, "content") // assistant turns may be empty
	created, err := int64Attr(item, "createdAt")
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		ID:        id,
		RoomID:    roomID,
		Role:      models.Role(role),
		Content:   content,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
