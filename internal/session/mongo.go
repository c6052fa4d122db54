package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petervdpas/peerline/internal/proto"
)

// Session document field names.
const (
	fieldID         = "_id"
	fieldUserA      = "user_a"
	fieldUserB      = "user_b"
	fieldStatus     = "status"
	fieldOfferSDP   = "offer_sdp"
	fieldAnswerSDP  = "answer_sdp"
	fieldCandidates = "candidates"
	fieldCreatedAt  = "created_at"
)

// Waiting entries left behind by crashed clients expire server-side.
const waitingEntryTTL = 5 * time.Minute

// MongoStore implements Store against a MongoDB deployment. Session
// watches use change streams with full-document lookup so every event
// carries the complete current document state.
type MongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	waiting  *mongo.Collection
}

// NewMongoStore connects to uri and prepares the two collections,
// including the TTL index on waiting entries.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		sessions: db.Collection(proto.SessionsCollection),
		waiting:  db.Collection(proto.WaitingCollection),
	}

	ttl := int32(waitingEntryTTL.Seconds())
	_, err = s.waiting.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: fieldCreatedAt, Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(ttl),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("waiting ttl index: %w", err)
	}

	return s, nil
}

func (s *MongoStore) CreateSession(ctx context.Context, c CallSession) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if _, err := s.sessions.InsertOne(ctx, c); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *MongoStore) GetSession(ctx context.Context, id string) (CallSession, error) {
	var c CallSession
	err := s.sessions.FindOne(ctx, bson.D{{Key: fieldID, Value: id}}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CallSession{}, ErrNotFound
	}
	if err != nil {
		return CallSession{}, fmt.Errorf("get session: %w", err)
	}
	return c, nil
}

func (s *MongoStore) ClaimSession(ctx context.Context, id, uid string) (CallSession, error) {
	res := s.sessions.FindOneAndUpdate(ctx,
		bson.D{
			{Key: fieldID, Value: id},
			{Key: fieldStatus, Value: proto.StatusWaiting},
			{Key: fieldUserB, Value: bson.D{{Key: "$in", Value: bson.A{nil, ""}}}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: fieldUserB, Value: uid},
			{Key: fieldStatus, Value: proto.StatusRinging},
		}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var c CallSession
	err := res.Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Either the session never existed or someone else won the claim.
		if _, getErr := s.GetSession(ctx, id); errors.Is(getErr, ErrNotFound) {
			return CallSession{}, ErrNotFound
		}
		return CallSession{}, ErrAlreadyClaimed
	}
	if err != nil {
		return CallSession{}, fmt.Errorf("claim session: %w", err)
	}
	return c, nil
}

func (s *MongoStore) SetOffer(ctx context.Context, id, sdp string) error {
	return s.updateSession(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: fieldOfferSDP, Value: sdp},
	}}})
}

func (s *MongoStore) SetAnswer(ctx context.Context, id, sdp string) error {
	return s.updateSession(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: fieldAnswerSDP, Value: sdp},
		{Key: fieldStatus, Value: proto.StatusConnected},
	}}})
}

func (s *MongoStore) SetStatus(ctx context.Context, id, status string) error {
	return s.updateSession(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: fieldStatus, Value: status},
	}}})
}

func (s *MongoStore) AddCandidate(ctx context.Context, id string, c Candidate) error {
	return s.updateSession(ctx, id, bson.D{{Key: "$push", Value: bson.D{
		{Key: fieldCandidates, Value: c},
	}}})
}

func (s *MongoStore) updateSession(ctx context.Context, id string, update bson.D) error {
	res, err := s.sessions.UpdateOne(ctx, bson.D{{Key: fieldID, Value: id}}, update)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.sessions.DeleteOne(ctx, bson.D{{Key: fieldID, Value: id}}); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteWaitingSessions(ctx context.Context, uid string) error {
	_, err := s.sessions.DeleteMany(ctx, bson.D{
		{Key: fieldUserA, Value: uid},
		{Key: fieldStatus, Value: proto.StatusWaiting},
	})
	if err != nil {
		return fmt.Errorf("delete waiting sessions: %w", err)
	}
	return nil
}

func (s *MongoStore) PutWaiting(ctx context.Context, entry WaitingEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.waiting.ReplaceOne(ctx,
		bson.D{{Key: fieldID, Value: entry.UID}},
		entry,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put waiting: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteWaiting(ctx context.Context, uid string) error {
	if _, err := s.waiting.DeleteOne(ctx, bson.D{{Key: fieldID, Value: uid}}); err != nil {
		return fmt.Errorf("delete waiting: %w", err)
	}
	return nil
}

func (s *MongoStore) ListWaiting(ctx context.Context) ([]WaitingEntry, error) {
	cur, err := s.waiting.Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: fieldCreatedAt, Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	var entries []WaitingEntry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("decode waiting: %w", err)
	}
	return entries, nil
}

// WatchSession opens a change stream scoped to one session document. The
// stream requests UpdateLookup so update events carry the full document.
// The returned cancel or a cancelled ctx stops the stream; the snapshot
// channel closes once the pump goroutine has drained.
func (s *MongoStore) WatchSession(ctx context.Context, id string) (<-chan CallSession, func(), error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
			{Key: "fullDocument._id", Value: id},
		}}},
	}
	csCtx, cancel := context.WithCancel(ctx)
	cs, err := s.sessions.Watch(csCtx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("watch session: %w", err)
	}

	out := make(chan CallSession, 32)
	go func() {
		defer close(out)
		defer func() {
			_ = cs.Close(context.Background())
		}()
		for cs.Next(csCtx) {
			var event struct {
				FullDocument CallSession `bson:"fullDocument"`
			}
			if err := cs.Decode(&event); err != nil {
				log.Printf("STORE: watch decode for %s: %v", id, err)
				continue
			}
			select {
			case out <- event.FullDocument:
			case <-csCtx.Done():
				return
			}
		}
		if err := cs.Err(); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("STORE: watch for %s ended: %v", id, err)
		}
	}()

	return out, cancel, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
