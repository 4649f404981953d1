package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skillchat/internal/models"
	"skillchat/internal/observability"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names used by the document store.
const (
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
	CollectionCounters      = "counters"
)

// ConnectMongo dials the document store and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, client.Database(database), nil
}

// EnsureMongoIndexes creates the indexes the repositories query on.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	if _, err := db.Collection(CollectionUsers).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := db.Collection(CollectionConversations).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "members.user_id", Value: 1}}},
		{Keys: bson.D{{Key: "updated_at", Value: -1}}},
	}); err != nil {
		return err
	}
	_, err := db.Collection(CollectionMessages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	return err
}

// nextID allocates sequential numeric ids so both stores share the uint identity space.
func nextID(ctx context.Context, db *mongo.Database, name string) (uint, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := db.Collection(CollectionCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return uint(counter.Seq), nil
}

type mongoChatRepository struct {
	db    *mongo.Database
	users UserRepository
	log   *observability.RepoLogger
}

// NewMongoChatRepository returns a ChatRepository backed by the document store.
// Members are embedded in the conversation document; seen and retraction sets in the message document.
func NewMongoChatRepository(db *mongo.Database) ChatRepository {
	return &mongoChatRepository{
		db:    db,
		users: NewMongoUserRepository(db),
		log:   observability.NewRepoLogger(CollectionConversations),
	}
}

func (r *mongoChatRepository) conversations() *mongo.Collection {
	return r.db.Collection(CollectionConversations)
}

func (r *mongoChatRepository) messages() *mongo.Collection {
	return r.db.Collection(CollectionMessages)
}

func (r *mongoChatRepository) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	r.log.LogError(ctx, err, op)
	return models.NewInternalError(err)
}

// hydrate restores the fields the embedded layout does not store.
func (r *mongoChatRepository) hydrate(ctx context.Context, convs ...*models.Conversation) error {
	var ids []uint
	for _, c := range convs {
		for i := range c.Members {
			c.Members[i].ConversationID = c.ID
			ids = append(ids, c.Members[i].UserID)
		}
	}
	users, err := r.users.GetByIDs(ctx, ids)
	if err != nil {
		return err
	}
	byID := make(map[uint]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}
	for _, c := range convs {
		for i := range c.Members {
			c.Members[i].User = byID[c.Members[i].UserID]
		}
	}
	return nil
}

func (r *mongoChatRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	id, err := nextID(ctx, r.db, CollectionConversations)
	if err != nil {
		return r.wrap(ctx, "create_conversation", err)
	}
	now := time.Now().UTC()
	conv.ID = id
	conv.CreatedAt, conv.UpdatedAt = now, now
	for i := range conv.Members {
		conv.Members[i].ConversationID = id
		if conv.Members[i].Role == "" {
			conv.Members[i].Role = models.RoleHuman
		}
		if conv.Members[i].JoinedAt.IsZero() {
			conv.Members[i].JoinedAt = now
		}
	}
	if conv.Members == nil {
		conv.Members = []models.ConversationMember{}
	}
	_, err = r.conversations().InsertOne(ctx, conv)
	return r.wrap(ctx, "create_conversation", err)
}

func (r *mongoChatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.conversations().FindOne(ctx, bson.M{"_id": id}).Decode(&conv); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.NewNotFoundError("Conversation", id)
		}
		return nil, r.wrap(ctx, "get_conversation", err)
	}
	if err := r.hydrate(ctx, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *mongoChatRepository) FindDirectConversation(ctx context.Context, userA, userB uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.conversations().FindOne(ctx,
		bson.M{"is_group": false, "members.user_id": bson.M{"$all": bson.A{userA, userB}}},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}}),
	).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.NewNotFoundError("Conversation", "direct")
		}
		return nil, r.wrap(ctx, "find_direct_conversation", err)
	}
	if err := r.hydrate(ctx, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *mongoChatRepository) GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	cur, err := r.conversations().Find(ctx,
		bson.M{"members.user_id": userID},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}),
	)
	if err != nil {
		return nil, r.wrap(ctx, "get_user_conversations", err)
	}
	var convs []*models.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return nil, r.wrap(ctx, "get_user_conversations", err)
	}
	if err := r.hydrate(ctx, convs...); err != nil {
		return nil, err
	}
	return convs, nil
}

func (r *mongoChatRepository) pluckIDs(ctx context.Context, op string, filter bson.M, opts *options.FindOptions) ([]uint, error) {
	cur, err := r.conversations().Find(ctx, filter, opts.SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, r.wrap(ctx, op, err)
	}
	var docs []struct {
		ID uint `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, r.wrap(ctx, op, err)
	}
	ids := make([]uint, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (r *mongoChatRepository) GetUserConversationIDs(ctx context.Context, userID uint) ([]uint, error) {
	return r.pluckIDs(ctx, "get_user_conversation_ids",
		bson.M{"members.user_id": userID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
}

func (r *mongoChatRepository) ListConversationIDs(ctx context.Context, afterID uint, limit int) ([]uint, error) {
	return r.pluckIDs(ctx, "list_conversation_ids",
		bson.M{"_id": bson.M{"$gt": afterID}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit)),
	)
}

func (r *mongoChatRepository) AddMember(ctx context.Context, convID, userID uint, role models.MemberRole) error {
	member := models.ConversationMember{UserID: userID, Role: role, JoinedAt: time.Now().UTC()}
	res, err := r.conversations().UpdateOne(ctx,
		bson.M{"_id": convID, "members.user_id": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{"members": member}},
	)
	if err != nil {
		return r.wrap(ctx, "add_member", err)
	}
	if res.MatchedCount == 0 {
		count, err := r.conversations().CountDocuments(ctx, bson.M{"_id": convID})
		if err != nil {
			return r.wrap(ctx, "add_member", err)
		}
		if count == 0 {
			return models.NewNotFoundError("Conversation", convID)
		}
	}
	return nil
}

func (r *mongoChatRepository) RemoveMember(ctx context.Context, convID, userID uint) error {
	var conv models.Conversation
	err := r.conversations().FindOneAndUpdate(ctx,
		bson.M{"_id": convID, "members.user_id": userID},
		bson.M{"$pull": bson.M{"members": bson.M{"user_id": userID}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.NewNotFoundError("ConversationMember", userID)
		}
		return r.wrap(ctx, "remove_member", err)
	}
	if !conv.IsGroup || len(conv.Members) > 0 {
		return nil
	}
	if _, err := r.messages().DeleteMany(ctx, bson.M{"conversation_id": convID}); err != nil {
		return r.wrap(ctx, "remove_member", err)
	}
	_, err = r.conversations().DeleteOne(ctx, bson.M{"_id": convID, "members": bson.M{"$size": 0}})
	return r.wrap(ctx, "remove_member", err)
}

func (r *mongoChatRepository) IncrementUnread(ctx context.Context, convID, userID uint, n int) error {
	res, err := r.conversations().UpdateOne(ctx,
		bson.M{"_id": convID, "members.user_id": userID},
		bson.M{"$inc": bson.M{"members.$.unread_count": n}},
	)
	if err != nil {
		return r.wrap(ctx, "increment_unread", err)
	}
	if res.MatchedCount == 0 {
		return models.NewNotFoundError("ConversationMember", userID)
	}
	return nil
}

func (r *mongoChatRepository) ResetUnread(ctx context.Context, convID, userID uint) error {
	return r.SetUnread(ctx, convID, userID, 0)
}

func (r *mongoChatRepository) SetUnread(ctx context.Context, convID, userID uint, n int) error {
	if n < 0 {
		n = 0
	}
	_, err := r.conversations().UpdateOne(ctx,
		bson.M{"_id": convID, "members.user_id": userID},
		bson.M{"$set": bson.M{"members.$.unread_count": n}},
	)
	return r.wrap(ctx, "set_unread", err)
}

func (r *mongoChatRepository) UpdateLatestMessage(ctx context.Context, convID uint, preview string, at time.Time) error {
	_, err := r.conversations().UpdateOne(ctx,
		bson.M{"_id": convID, "$or": bson.A{
			bson.M{"latest_message_at": bson.M{"$exists": false}},
			bson.M{"latest_message_at": nil},
			bson.M{"latest_message_at": bson.M{"$lte": at}},
		}},
		bson.M{"$set": bson.M{"latest_message": preview, "latest_message_at": at, "updated_at": at}},
	)
	return r.wrap(ctx, "update_latest_message", err)
}

func (r *mongoChatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	id, err := nextID(ctx, r.db, CollectionMessages)
	if err != nil {
		return r.wrap(ctx, "create_message", err)
	}
	msg.ID = id
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	for i := range msg.SeenBy {
		msg.SeenBy[i].MessageID = id
	}
	if msg.SeenBy == nil {
		msg.SeenBy = []models.MessageSeen{}
	}
	if msg.RetractedFor == nil {
		msg.RetractedFor = []models.MessageRetraction{}
	}
	_, err = r.messages().InsertOne(ctx, msg)
	return r.wrap(ctx, "create_message", err)
}

func fillMessageIDs(msg *models.Message) {
	for i := range msg.SeenBy {
		msg.SeenBy[i].MessageID = msg.ID
	}
	for i := range msg.RetractedFor {
		msg.RetractedFor[i].MessageID = msg.ID
	}
}

func (r *mongoChatRepository) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.messages().FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, r.wrap(ctx, "get_message", err)
	}
	fillMessageIDs(&msg)
	return &msg, nil
}

func (r *mongoChatRepository) GetMessagesForUser(ctx context.Context, convID, userID uint, limit, offset int) ([]*models.Message, error) {
	cur, err := r.messages().Find(ctx,
		bson.M{"conversation_id": convID, "deleted_from.user_id": bson.M{"$ne": userID}},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetSkip(int64(offset)).
			SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, r.wrap(ctx, "get_messages_for_user", err)
	}
	var messages []*models.Message
	if err := cur.All(ctx, &messages); err != nil {
		return nil, r.wrap(ctx, "get_messages_for_user", err)
	}

	senderIDs := make([]uint, 0, len(messages))
	for _, m := range messages {
		fillMessageIDs(m)
		senderIDs = append(senderIDs, m.SenderID)
	}
	senders, err := r.users.GetByIDs(ctx, senderIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]*models.User, len(senders))
	for i := range senders {
		byID[senders[i].ID] = &senders[i]
	}
	for _, m := range messages {
		m.Sender = byID[m.SenderID]
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *mongoChatRepository) MarkSeen(ctx context.Context, userID uint, msgIDs []uint, at time.Time) error {
	if len(msgIDs) == 0 {
		return nil
	}
	_, err := r.messages().UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": msgIDs}, "seen_by.user_id": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{"seen_by": models.MessageSeen{UserID: userID, SeenAt: at}}},
	)
	return r.wrap(ctx, "mark_seen", err)
}

func (r *mongoChatRepository) MarkConversationSeen(ctx context.Context, convID, userID uint, at time.Time) (int64, error) {
	res, err := r.messages().UpdateMany(ctx,
		bson.M{"conversation_id": convID, "sender_id": bson.M{"$ne": userID}, "seen_by.user_id": bson.M{"$ne": userID}},
		bson.M{"$push": bson.M{"seen_by": models.MessageSeen{UserID: userID, SeenAt: at}}},
	)
	if err != nil {
		return 0, r.wrap(ctx, "mark_conversation_seen", err)
	}
	return res.ModifiedCount, nil
}

// AddRetractions pushes each id once; the $ne guard makes the push idempotent per user.
func (r *mongoChatRepository) AddRetractions(ctx context.Context, msgID uint, userIDs []uint, at time.Time) error {
	count, err := r.messages().CountDocuments(ctx, bson.M{"_id": msgID})
	if err != nil {
		return r.wrap(ctx, "add_retractions", err)
	}
	if count == 0 {
		return models.NewNotFoundError("Message", msgID)
	}
	for _, id := range userIDs {
		if _, err := r.messages().UpdateOne(ctx,
			bson.M{"_id": msgID, "deleted_from.user_id": bson.M{"$ne": id}},
			bson.M{"$push": bson.M{"deleted_from": models.MessageRetraction{UserID: id, RetractedAt: at}}},
		); err != nil {
			return r.wrap(ctx, "add_retractions", err)
		}
	}
	return nil
}

func (r *mongoChatRepository) CountUnseen(ctx context.Context, convID, userID uint) (int64, error) {
	count, err := r.messages().CountDocuments(ctx, bson.M{
		"conversation_id":      convID,
		"sender_id":            bson.M{"$ne": userID},
		"seen_by.user_id":      bson.M{"$ne": userID},
		"deleted_from.user_id": bson.M{"$ne": userID},
	})
	return count, r.wrap(ctx, "count_unseen", err)
}

type mongoUserRepository struct {
	db  *mongo.Database
	log *observability.RepoLogger
}

// NewMongoUserRepository returns a UserRepository backed by the document store.
func NewMongoUserRepository(db *mongo.Database) UserRepository {
	return &mongoUserRepository{db: db, log: observability.NewRepoLogger(CollectionUsers)}
}

func (r *mongoUserRepository) users() *mongo.Collection {
	return r.db.Collection(CollectionUsers)
}

func (r *mongoUserRepository) findOne(ctx context.Context, op string, filter bson.M, key interface{}) (*models.User, error) {
	var user models.User
	if err := r.users().FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.NewNotFoundError("User", key)
		}
		r.log.LogError(ctx, err, op)
		return nil, models.NewInternalError(err)
	}
	return &user, nil
}

func (r *mongoUserRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	return r.findOne(ctx, "get_by_id", bson.M{"_id": id}, id)
}

func (r *mongoUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, "get_by_email", bson.M{"email": email}, email)
}

func (r *mongoUserRepository) GetByIDs(ctx context.Context, ids []uint) ([]models.User, error) {
	var users []models.User
	if len(ids) == 0 {
		return users, nil
	}
	cur, err := r.users().Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		r.log.LogError(ctx, err, "get_by_ids")
		return nil, models.NewInternalError(err)
	}
	if err := cur.All(ctx, &users); err != nil {
		r.log.LogError(ctx, err, "get_by_ids")
		return nil, models.NewInternalError(err)
	}
	return users, nil
}

func (r *mongoUserRepository) Create(ctx context.Context, user *models.User) error {
	id, err := nextID(ctx, r.db, CollectionUsers)
	if err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	now := time.Now().UTC()
	user.ID = id
	user.CreatedAt, user.UpdatedAt = now, now
	if _, err := r.users().InsertOne(ctx, user); err != nil {
		r.log.LogError(ctx, err, "create")
		return models.NewInternalError(err)
	}
	return nil
}

func (r *mongoUserRepository) SetPresence(ctx context.Context, id uint, online bool, at time.Time) error {
	set := bson.M{"is_online": online}
	if !online {
		set["last_seen_at"] = at
	}
	if _, err := r.users().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}); err != nil {
		r.log.LogError(ctx, err, "set_presence")
		return models.NewInternalError(err)
	}
	return nil
}

func (r *mongoUserRepository) List(ctx context.Context, limit, offset int) ([]models.User, error) {
	cur, err := r.users().Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetSkip(int64(offset)).SetLimit(int64(limit)),
	)
	if err != nil {
		r.log.LogError(ctx, err, "list")
		return nil, models.NewInternalError(err)
	}
	var users []models.User
	if err := cur.All(ctx, &users); err != nil {
		r.log.LogError(ctx, err, "list")
		return nil, models.NewInternalError(err)
	}
	return users, nil
}
