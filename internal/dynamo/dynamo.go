// Package dynamo stores room documents in a DynamoDB table keyed by
// room_id. Items carry an expires_at attribute so the table's TTL setting
// reclaims rooms even when no server is running a sweep.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pion/webrtc/v4"

	"github.com/manpreetbhatti/rendezvous/backend/internal/store"
)

// API is the subset of the DynamoDB client the store needs.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type Options struct {
	Table    string
	Region   string
	Endpoint string // optional, e.g. DynamoDB Local
	TTL      time.Duration
}

type Store struct {
	client API
	table  string
	ttl    time.Duration
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

type descriptionItem struct {
	Type string `dynamodbav:"type"`
	SDP  string `dynamodbav:"sdp"`
}

type candidateItem struct {
	Candidate        string  `dynamodbav:"candidate"`
	SDPMid           *string `dynamodbav:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `dynamodbav:"sdp_mline_index,omitempty"`
	UsernameFragment *string `dynamodbav:"username_fragment,omitempty"`
}

type roomItem struct {
	RoomID           string           `dynamodbav:"room_id"`
	Offer            descriptionItem  `dynamodbav:"offer"`
	Answer           *descriptionItem `dynamodbav:"answer,omitempty"`
	CallerCandidates []candidateItem  `dynamodbav:"caller_candidates"`
	CalleeCandidates []candidateItem  `dynamodbav:"callee_candidates"`
	CreatedAt        int64            `dynamodbav:"created_at"`
	UpdatedAt        int64            `dynamodbav:"updated_at"`
	ExpiresAt        int64            `dynamodbav:"expires_at"` // TTL, unix seconds
}

// New loads the default AWS configuration and returns a store for table.
func New(ctx context.Context, opts Options) (*Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewWithClient(client, opts.Table, opts.TTL), nil
}

func NewWithClient(client API, table string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, table: table, ttl: ttl, now: time.Now}
}

func (s *Store) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"room_id": &types.AttributeValueMemberS{Value: id},
	}
}

func (s *Store) CreateRoom(ctx context.Context, id string, offer webrtc.SessionDescription) (*store.Room, error) {
	now := s.now()
	item := roomItem{
		RoomID:           id,
		Offer:            fromDescription(offer),
		CallerCandidates: []candidateItem{},
		CalleeCandidates: []candidateItem{},
		CreatedAt:        now.UnixMilli(),
		UpdatedAt:        now.UnixMilli(),
		ExpiresAt:        now.Add(s.ttl).Unix(),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(room_id)"),
	})
	if isConditionFailed(err) {
		return nil, fmt.Errorf("create %s: %w", id, store.ErrRoomExists)
	}
	if err != nil {
		return nil, err
	}
	return item.toRoom(), nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*store.Room, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("get %s: %w", id, store.ErrRoomNotFound)
	}
	return decodeRoom(out.Item)
}

// ListRooms scans the whole table; the REST binding only lists for
// debugging and the table is small.
func (s *Store) ListRooms(ctx context.Context, limit, offset int) ([]store.Room, error) {
	var items []roomItem
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []roomItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt != items[j].UpdatedAt {
			return items[i].UpdatedAt > items[j].UpdatedAt
		}
		return items[i].RoomID < items[j].RoomID
	})

	rooms := []store.Room{}
	for i := offset; i < len(items) && len(rooms) < limit; i++ {
		room := items[i].toRoom()
		room.CallerCandidates = nil
		room.CalleeCandidates = nil
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

func (s *Store) UpdateRoom(ctx context.Context, id string, offer, answer *webrtc.SessionDescription) (*store.Room, error) {
	u := s.newUpdate()
	if offer != nil {
		if err := u.set("offer", fromDescription(*offer)); err != nil {
			return nil, err
		}
	}
	if answer != nil {
		if err := u.set("answer", fromDescription(*answer)); err != nil {
			return nil, err
		}
	}
	return s.apply(ctx, id, u)
}

func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(id),
		ConditionExpression: aws.String("attribute_exists(room_id)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("delete %s: %w", id, store.ErrRoomNotFound)
	}
	return err
}

func (s *Store) AddCandidate(ctx context.Context, id string, role store.Role, candidate webrtc.ICECandidateInit) error {
	list, err := attributevalue.Marshal([]candidateItem{fromCandidate(candidate)})
	if err != nil {
		return err
	}

	u := s.newUpdate()
	attr := u.name(candidateAttr(role))
	u.values[":cand"] = list
	u.values[":empty"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
	u.sets = append(u.sets, fmt.Sprintf("%s = list_append(if_not_exists(%s, :empty), :cand)", attr, attr))

	_, err = s.apply(ctx, id, u)
	return err
}

func (s *Store) ListCandidates(ctx context.Context, id string, role store.Role) ([]webrtc.ICECandidateInit, error) {
	room, err := s.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	return room.Candidates(role), nil
}

func (s *Store) ResetRoom(ctx context.Context, id string, offer *webrtc.SessionDescription) (*store.Room, error) {
	u := s.newUpdate()
	u.values[":empty"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}
	u.sets = append(u.sets, u.name("callee_candidates")+" = :empty")
	u.removes = append(u.removes, u.name("answer"))

	if offer != nil {
		if err := u.set("offer", fromDescription(*offer)); err != nil {
			return nil, err
		}
		u.sets = append(u.sets, u.name("caller_candidates")+" = :empty")
	}
	return s.apply(ctx, id, u)
}

func (s *Store) DeleteStaleRooms(ctx context.Context, cutoff time.Time) ([]string, error) {
	cutoffValue := &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.UnixMilli(), 10)}

	var ids []string
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		ProjectionExpression:      aws.String("room_id"),
		FilterExpression:          aws.String("updated_at < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": cutoffValue},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			var key struct {
				RoomID string `dynamodbav:"room_id"`
			}
			if err := attributevalue.UnmarshalMap(item, &key); err != nil {
				return nil, err
			}
			ids = append(ids, key.RoomID)
		}
	}
	sort.Strings(ids)

	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		// A room touched since the scan is no longer stale.
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.table),
			Key:                       s.key(id),
			ConditionExpression:       aws.String("updated_at < :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": cutoffValue},
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func (s *Store) CountRooms(ctx context.Context) (int, error) {
	count := 0
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Select:    types.SelectCount,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, err
		}
		count += int(page.Count)
	}
	return count, nil
}

func (s *Store) Close() error {
	return nil
}

// update accumulates an UpdateItem expression. Every update refreshes
// updated_at and expires_at.
type update struct {
	sets    []string
	removes []string
	names   map[string]string
	values  map[string]types.AttributeValue
}

func (s *Store) newUpdate() *update {
	now := s.now()
	u := &update{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
	u.values[":updated"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)}
	u.values[":expires"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.ttl).Unix(), 10)}
	u.sets = append(u.sets, u.name("updated_at")+" = :updated", u.name("expires_at")+" = :expires")
	return u
}

func (u *update) name(attr string) string {
	placeholder := "#" + attr
	u.names[placeholder] = attr
	return placeholder
}

func (u *update) set(attr string, v any) error {
	av, err := attributevalue.Marshal(v)
	if err != nil {
		return err
	}
	value := ":" + attr
	u.values[value] = av
	u.sets = append(u.sets, u.name(attr)+" = "+value)
	return nil
}

func (u *update) expression() string {
	expr := "SET " + strings.Join(u.sets, ", ")
	if len(u.removes) > 0 {
		expr += " REMOVE " + strings.Join(u.removes, ", ")
	}
	return expr
}

func (s *Store) apply(ctx context.Context, id string, u *update) (*store.Room, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.key(id),
		UpdateExpression:          aws.String(u.expression()),
		ConditionExpression:       aws.String("attribute_exists(room_id)"),
		ExpressionAttributeNames:  u.names,
		ExpressionAttributeValues: u.values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, fmt.Errorf("update %s: %w", id, store.ErrRoomNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeRoom(out.Attributes)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func candidateAttr(role store.Role) string {
	if role == store.RoleCallee {
		return "callee_candidates"
	}
	return "caller_candidates"
}

func decodeRoom(av map[string]types.AttributeValue) (*store.Room, error) {
	var item roomItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, err
	}
	return item.toRoom(), nil
}

func (item roomItem) toRoom() *store.Room {
	room := &store.Room{
		ID:               item.RoomID,
		Offer:            item.Offer.toDescription(),
		CallerCandidates: toCandidates(item.CallerCandidates),
		CalleeCandidates: toCandidates(item.CalleeCandidates),
		CreatedAt:        time.UnixMilli(item.CreatedAt),
		UpdatedAt:        time.UnixMilli(item.UpdatedAt),
	}
	if item.Answer != nil {
		answer := item.Answer.toDescription()
		room.Answer = &answer
	}
	return room
}

func fromDescription(d webrtc.SessionDescription) descriptionItem {
	return descriptionItem{Type: d.Type.String(), SDP: d.SDP}
}

func (d descriptionItem) toDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromCandidate(c webrtc.ICECandidateInit) candidateItem {
	return candidateItem{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toCandidates(items []candidateItem) []webrtc.ICECandidateInit {
	out := make([]webrtc.ICECandidateInit, 0, len(items))
	for _, c := range items {
		out = append(out, webrtc.ICECandidateInit{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		})
	}
	return out
}
