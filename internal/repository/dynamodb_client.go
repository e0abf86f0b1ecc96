package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"pulsar-assistant/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	skState     = "STATE#"

	batchWriteLimit   = 25
	maxTransactItems  = 100
	maxBatchRetries   = 5
	seqWidth          = 20
	conditionNotExist = "attribute_not_exists(PK) AND attribute_not_exists(SK)"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores sessions in a single DynamoDB table. Every item of a session
// shares PK=SESSION#<key>; messages sort under MSG#<seq>, the sequence
// counter lives in META# and the controller state in STATE#.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithTTL sets a DynamoDB TTL on every written item. Zero disables expiry.
func WithTTL(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.ttl = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(key string) string {
	return "SESSION#" + key
}

// msgSK returns the sort key for a message. Zero padding keeps lexical order
// equal to numeric order.
func msgSK(seq int64) string {
	return fmt.Sprintf("%s%0*d", skPrefixMsg, seqWidth, seq)
}

func (c *Client) ttlAttr(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if c.ttl > 0 {
		item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Add(c.ttl).Unix(), 10)}
	}
	return item
}

// SaveTurn writes msgs, the META# counter and the STATE# item in a single
// transaction. The counter update is conditioned on the value read before
// the write, so a concurrent writer makes the whole turn fail instead of
// interleaving sequence numbers.
func (c *Client) SaveTurn(ctx context.Context, msgs []domain.Message, st domain.SessionState) ([]domain.Message, error) {
	if strings.TrimSpace(st.Key) == "" {
		return nil, errors.New("repository: SaveTurn: session key is required")
	}
	if len(msgs)+2 > maxTransactItems {
		return nil, fmt.Errorf("repository: SaveTurn: %d messages exceed one transaction", len(msgs))
	}
	now := c.now().UTC()
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("repository: SaveTurn: %w", err)
		}
		if m.SessionKey != st.Key {
			return nil, fmt.Errorf("repository: SaveTurn: message for session %q in turn of %q", m.SessionKey, st.Key)
		}
		if m.Kind == "" {
			m.Kind = domain.KindText
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		out = append(out, m)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = now
	}

	prev, exists, err := c.lastSeq(ctx, st.Key)
	if err != nil {
		return nil, fmt.Errorf("repository: SaveTurn: %w", err)
	}

	items := make([]types.TransactWriteItem, 0, len(out)+2)
	if len(out) > 0 || exists {
		items = append(items, types.TransactWriteItem{Update: c.metaUpdate(st.Key, prev, prev+int64(len(out)), exists, now)})
	}
	for i := range out {
		out[i].Seq = prev + int64(i) + 1
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                c.ttlAttr(messageItem(out[i])),
			ConditionExpression: aws.String(conditionNotExist),
		}})
	}
	state, err := stateItem(st)
	if err != nil {
		return nil, fmt.Errorf("repository: SaveTurn: %w", err)
	}
	items = append(items, types.TransactWriteItem{Put: &types.Put{
		TableName: aws.String(c.tableName),
		Item:      c.ttlAttr(state),
	}})

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return nil, fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return out, nil
}

// lastSeq reads the session counter. exists is false before the first
// message of a session.
func (c *Client) lastSeq(ctx context.Context, key string) (int64, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, fmt.Errorf("read sequence: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, false, nil
	}
	seq, err := intAttr(out.Item, "lastSeq")
	if err != nil {
		return 0, false, fmt.Errorf("read sequence: %w", err)
	}
	return seq, true, nil
}

func (c *Client) metaUpdate(key string, prev, next int64, exists bool, at time.Time) *types.Update {
	update := "SET lastSeq = :next, lastActivity = :now, sessionKey = :key"
	values := map[string]types.AttributeValue{
		":next": &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
		":now":  &types.AttributeValueMemberS{Value: at.Format(time.RFC3339Nano)},
		":key":  &types.AttributeValueMemberS{Value: key},
	}
	condition := "attribute_not_exists(PK)"
	if exists {
		condition = "lastSeq = :prev"
		values[":prev"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(prev, 10)}
	}
	u := &types.Update{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeValues: values,
	}
	if c.ttl > 0 {
		u.UpdateExpression = aws.String(update + ", #ttl = :ttl")
		values[":ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Add(c.ttl).Unix(), 10)}
		u.ExpressionAttributeNames = map[string]string{"#ttl": "ttl"}
	}
	return u
}

// LoadMessages returns every message of a session in insertion order.
func (c *Client) LoadMessages(ctx context.Context, key string) ([]domain.Message, error) {
	var (
		msgs  []domain.Message
		start map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: sessionPK(key)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: LoadMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: LoadMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return msgs, nil
		}
		start = out.LastEvaluatedKey
	}
}

// LoadRecent returns at most limit of the newest messages, oldest first.
func (c *Client) LoadRecent(ctx context.Context, key string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return c.LoadMessages(ctx, key)
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(key)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: LoadRecent query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: LoadRecent unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ListSessionIDs returns every session that has messages, most recently
// active first.
func (c *Client) ListSessionIDs(ctx context.Context) ([]string, error) {
	type entry struct {
		key      string
		activity string
	}
	var (
		entries []entry
		start   map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(c.tableName),
			FilterExpression:          aws.String("SK = :meta"),
			ProjectionExpression:      aws.String("sessionKey, lastActivity"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":meta": &types.AttributeValueMemberS{Value: skMeta}},
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListSessionIDs scan: %w", err)
		}
		for _, item := range out.Items {
			key, err := strAttr(item, "sessionKey")
			if err != nil {
				return nil, fmt.Errorf("repository: ListSessionIDs unmarshal: %w", err)
			}
			activity, _ := strAttr(item, "lastActivity") // allow empty
			entries = append(entries, entry{key: key, activity: activity})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].activity != entries[j].activity {
			return entries[i].activity > entries[j].activity
		}
		return entries[i].key > entries[j].key
	})
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.key)
	}
	return ids, nil
}

// DeleteSession removes every item of a session. Deleting an unknown session
// is not an error.
func (c *Client) DeleteSession(ctx context.Context, key string) error {
	var (
		keys  []map[string]types.AttributeValue
		start map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: sessionPK(key)},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return fmt.Errorf("repository: DeleteSession query: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		start = out.LastEvaluatedKey
	}

	for i := 0; i < len(keys); i += batchWriteLimit {
		end := min(i+batchWriteLimit, len(keys))
		reqs := make([]types.WriteRequest, 0, end-i)
		for _, k := range keys[i:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := c.batchWrite(ctx, reqs); err != nil {
			return fmt.Errorf("repository: DeleteSession: %w", err)
		}
	}
	return nil
}

func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for attempt := 0; attempt < maxBatchRetries; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("batch write: %d items unprocessed after %d attempts", len(pending[c.tableName]), maxBatchRetries)
}

// LoadState returns the controller state of a session. ok is false when the
// session has no stored state.
func (c *Client) LoadState(ctx context.Context, key string) (domain.SessionState, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(key)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionState{}, false, fmt.Errorf("repository: LoadState get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionState{}, false, nil
	}
	st, err := itemToState(out.Item)
	if err != nil {
		return domain.SessionState{}, false, fmt.Errorf("repository: LoadState decode: %w", err)
	}
	st.Key = key
	return st, true, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	key, err := strAttr(item, "sessionKey")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, _ := strAttr(item, "content") // allow empty
	kind, _ := strAttr(item, "kind")
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Message{}, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}
	if kind == "" {
		kind = string(domain.KindText)
	}

	return domain.Message{
		ID:         id,
		SessionKey: key,
		Role:       domain.SenderRole(role),
		Content:    content,
		Kind:       domain.MessageKind(kind),
		Seq:        seq,
		CreatedAt:  createdAt,
	}, nil
}

func messageItem(m domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(m.SessionKey)},
		"SK":         &types.AttributeValueMemberS{Value: msgSK(m.Seq)},
		"id":         &types.AttributeValueMemberS{Value: m.ID},
		"sessionKey": &types.AttributeValueMemberS{Value: m.SessionKey},
		"role":       &types.AttributeValueMemberS{Value: string(m.Role)},
		"content":    &types.AttributeValueMemberS{Value: m.Content},
		"kind":       &types.AttributeValueMemberS{Value: string(m.Kind)},
		"seq":        &types.AttributeValueMemberN{Value: strconv.FormatInt(m.Seq, 10)},
		"createdAt":  &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func stateItem(st domain.SessionState) (map[string]types.AttributeValue, error) {
	data, err := json.Marshal(st.UserData)
	if err != nil {
		return nil, fmt.Errorf("encode user data: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(st.Key)},
		"SK":         &types.AttributeValueMemberS{Value: skState},
		"sessionKey": &types.AttributeValueMemberS{Value: st.Key},
		"step":       &types.AttributeValueMemberN{Value: strconv.Itoa(st.Step)},
		"userData":   &types.AttributeValueMemberS{Value: string(data)},
		"updatedAt":  &types.AttributeValueMemberS{Value: st.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}, nil
}

func itemToState(item map[string]types.AttributeValue) (domain.SessionState, error) {
	step, err := intAttr(item, "step")
	if err != nil {
		return domain.SessionState{}, err
	}
	var st domain.SessionState
	st.Step = int(step)
	if raw, err := strAttr(item, "userData"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.UserData); err != nil {
			return domain.SessionState{}, fmt.Errorf("repository: decode user data: %w", err)
		}
	}
	if raw, err := strAttr(item, "updatedAt"); err == nil {
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return st, nil
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
