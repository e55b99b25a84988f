package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/utils"
)

type MongoOptions struct {
	ConversationCollection string
	MessageCollection      string
	OpTimeout              time.Duration
	Logger                 *zap.Logger
}

type MongoStore struct {
	db       *mongo.Database
	convColl *mongo.Collection
	msgColl  *mongo.Collection
	timeout  time.Duration
	log      *zap.Logger
	// txn is set when the deployment (replica set or mongos) runs
	// multi-document transactions.
	txn bool
}

// NewMongoStore binds the collections and makes sure the indexes the
// queries rely on exist.
func NewMongoStore(ctx context.Context, db *mongo.Database, opts MongoOptions) (*MongoStore, error) {
	if opts.ConversationCollection == "" {
		opts.ConversationCollection = "conversations"
	}
	if opts.MessageCollection == "" {
		opts.MessageCollection = "messages"
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &MongoStore{
		db:       db,
		convColl: db.Collection(opts.ConversationCollection),
		msgColl:  db.Collection(opts.MessageCollection),
		timeout:  opts.OpTimeout,
		log:      opts.Logger,
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	s.txn = supportsTransactions(ctx, db)
	if !s.txn {
		s.log.Warn("mongo deployment has no transactions; appends fall back to insert and undo")
	}
	_, err := s.convColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("conversation indexes: %w", err)
	}
	_, err = s.msgColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("message indexes: %w", err)
	}
	return s, nil
}

// unreadField builds the dotted path of a participant's counter. Ids that
// would be read as operators or paths are rejected.
func unreadField(userID string) (string, error) {
	if userID == "" || strings.HasPrefix(userID, "$") || strings.Contains(userID, ".") {
		return "", apperr.Validation("user id %q cannot key an unread counter", userID)
	}
	return "unread_counts." + userID, nil
}

func (s *MongoStore) EnsureConversation(ctx context.Context, a, b, listingID string) (*domain.Conversation, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, id := range []string{a, b} {
		if _, err := unreadField(id); err != nil {
			return nil, false, err
		}
	}
	fresh := domain.NewConversation(uuid.NewString(), a, b, listingID, utils.Clock(nil).Now())
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var c domain.Conversation
	err := s.convColl.FindOneAndUpdate(ctx, bson.M{"pair_key": fresh.PairKey}, bson.M{"$setOnInsert": fresh}, opts).Decode(&c)
	if mongo.IsDuplicateKeyError(err) {
		// lost the upsert race; the winner's document is there now
		err = s.convColl.FindOne(ctx, bson.M{"pair_key": fresh.PairKey}).Decode(&c)
	}
	if err != nil {
		return nil, false, err
	}
	return &c, c.ID == fresh.ID, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var c domain.Conversation
	if err := s.convColl.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.convColl.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []*domain.Conversation{}
	for cur.Next(ctx) {
		var c domain.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, cur.Err()
}

func (s *MongoStore) AppendMessage(ctx context.Context, m *domain.Message) (*domain.Conversation, error) {
	field, err := unreadField(m.RecipientID)
	if err != nil {
		return nil, err
	}
	m.Normalize()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var conv *domain.Conversation
	if s.txn {
		conv, err = s.appendInTransaction(ctx, m, field)
	} else {
		conv, err = s.appendWithUndo(ctx, m, field)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	return conv, err
}

// appendInTransaction commits the message and the counter bump together;
// readers never see the message before its unread increment.
func (s *MongoStore) appendInTransaction(ctx context.Context, m *domain.Message, field string) (*domain.Conversation, error) {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(context.Background())

	res, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := s.msgColl.InsertOne(sc, m); err != nil {
			return nil, err
		}
		return s.bumpConversation(sc, m, field)
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.Conversation), nil
}

// appendWithUndo is used on standalone servers: insert, bump, and delete
// the message again if the bump fails.
func (s *MongoStore) appendWithUndo(ctx context.Context, m *domain.Message, field string) (*domain.Conversation, error) {
	if _, err := s.msgColl.InsertOne(ctx, m); err != nil {
		return nil, err
	}
	conv, err := s.bumpConversation(ctx, m, field)
	if err == nil {
		return conv, nil
	}
	undoCtx, undoCancel := context.WithTimeout(context.Background(), s.timeout)
	defer undoCancel()
	if _, derr := s.msgColl.DeleteOne(undoCtx, bson.M{"_id": m.ID}); derr != nil {
		s.log.Error("undo append failed, message left without unread increment",
			zap.String("message_id", m.ID),
			zap.String("conversation_id", m.ConversationID),
			zap.NamedError("append_error", err),
			zap.Error(derr))
	}
	return nil, err
}

func supportsTransactions(ctx context.Context, db *mongo.Database) bool {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	if err := db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return false
	}
	return hello.SetName != "" || hello.Msg == "isdbgrid"
}

// bumpConversation increments the recipient's counter and moves the last
// message pointer unless a newer message already owns it. Exactly one of the
// two updates applies the increment.
func (s *MongoStore) bumpConversation(ctx context.Context, m *domain.Message, field string) (*domain.Conversation, error) {
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)
	base := bson.M{"_id": m.ConversationID, "participants": m.SenderID}

	filter := bson.M{
		"_id":          m.ConversationID,
		"participants": m.SenderID,
		"$or": bson.A{
			bson.M{"last_message": bson.M{"$exists": false}},
			bson.M{"last_message": nil},
			bson.M{"last_message.created_at": bson.M{"$lte": m.CreatedAt}},
		},
	}

	var c domain.Conversation
	err := s.convColl.FindOneAndUpdate(ctx, filter, bson.M{
		"$set": bson.M{"last_message": m.Summary()},
		"$max": bson.M{"updated_at": m.CreatedAt},
		"$inc": bson.M{field: 1},
	}, after).Decode(&c)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}

	err = s.convColl.FindOneAndUpdate(ctx, base, bson.M{
		"$max": bson.M{"updated_at": m.CreatedAt},
		"$inc": bson.M{field: 1},
	}, after).Decode(&c)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var m domain.Message
	if err := s.msgColl.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	m.Normalize()
	return &m, nil
}

func (s *MongoStore) findMessages(ctx context.Context, filter bson.M, sort bson.D, limit int) ([]*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.msgColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []*domain.Message{}
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		m.Normalize()
		out = append(out, &m)
	}
	return out, cur.Err()
}

var newestFirst = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	return s.findMessages(ctx, filter, newestFirst, limit)
}

func (s *MongoStore) PendingFor(ctx context.Context, userID string, limit int) ([]*domain.Message, error) {
	filter := bson.M{"recipient_id": userID, "status": domain.StatusPending}
	return s.findMessages(ctx, filter, bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}, limit)
}

// conditional runs a guarded update and, when the guard did not match,
// tells a missing message apart from a no-op.
func (s *MongoStore) conditional(ctx context.Context, messageID string, guard bson.M, update bson.M) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	guard["_id"] = messageID
	res, err := s.msgColl.UpdateOne(ctx, guard, update)
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	n, err := s.msgColl.CountDocuments(ctx, bson.M{"_id": messageID})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return false, nil
}

func (s *MongoStore) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	return s.conditional(ctx, messageID,
		bson.M{"status": domain.StatusPending},
		bson.M{"$set": bson.M{"status": domain.StatusDelivered, "delivered_at": at}})
}

func (s *MongoStore) AddReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (bool, error) {
	return s.conditional(ctx, messageID,
		bson.M{"read_by.user_id": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{"read_by": domain.ReadReceipt{UserID: userID, ReadAt: at}}})
}

func (s *MongoStore) MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) (int, int, error) {
	field, err := unreadField(userID)
	if err != nil {
		return 0, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.msgColl.UpdateMany(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       bson.M{"$ne": userID},
		"read_by.user_id": bson.M{"$ne": userID},
	}, bson.M{"$push": bson.M{"read_by": domain.ReadReceipt{UserID: userID, ReadAt: at}}})
	if err != nil {
		return 0, 0, err
	}

	var before domain.Conversation
	err = s.convColl.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{field: 0}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, 0, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
		}
		return 0, 0, err
	}
	return before.Unread(userID), int(res.ModifiedCount), nil
}

func (s *MongoStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	field, err := unreadField(userID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.convColl.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"participants": userID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$" + field}}}},
	})
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	var rows []struct {
		Total int `bson:"total"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}

func (s *MongoStore) ToggleReaction(ctx context.Context, messageID, userID, token string) (*domain.Message, error) {
	pair := bson.M{"user_id": userID, "token": token}
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// a concurrent toggle of the same pair can flip state between the two
	// guarded updates, so retry a few times before giving up
	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.msgColl.UpdateOne(tctx,
			bson.M{"_id": messageID, "reactions": bson.M{"$elemMatch": pair}},
			bson.M{"$pull": bson.M{"reactions": pair}})
		if err != nil {
			return nil, err
		}
		if res.ModifiedCount == 1 {
			return s.GetMessage(ctx, messageID)
		}
		res, err = s.msgColl.UpdateOne(tctx,
			bson.M{"_id": messageID, "reactions": bson.M{"$not": bson.M{"$elemMatch": pair}}},
			bson.M{"$push": bson.M{"reactions": domain.Reaction{UserID: userID, Token: token}}})
		if err != nil {
			return nil, err
		}
		if res.ModifiedCount == 1 {
			return s.GetMessage(ctx, messageID)
		}
		if _, err := s.GetMessage(ctx, messageID); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("toggle reaction on %s: contended", messageID)
}

func (s *MongoStore) SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]*domain.Message, error) {
	re := primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"}
	filter := bson.M{
		"conversation_id": conversationID,
		"$or": bson.A{
			bson.M{"content.text": re},
			bson.M{"content.file_name": re},
		},
	}
	return s.findMessages(ctx, filter, newestFirst, limit)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}
