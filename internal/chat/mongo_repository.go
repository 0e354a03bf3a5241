package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	conversationsCollection = "conversations"
	appendAttempts          = 5
)

type conversationDocument struct {
	ID           string            `bson:"_id"`
	Kind         string            `bson:"kind"`
	DisplayName  string            `bson:"display_name"`
	PairKey      string            `bson:"pair_key,omitempty"`
	Participants []string          `bson:"participants"`
	LastSeq      int64             `bson:"last_seq"`
	LastMessage  *summaryDocument  `bson:"last_message,omitempty"`
	CreatedAt    time.Time         `bson:"created_at"`
	Messages     []messageDocument `bson:"messages"`
}

type summaryDocument struct {
	SenderID  string    `bson:"sender_id"`
	Content   string    `bson:"content"`
	Seq       int64     `bson:"seq"`
	Timestamp time.Time `bson:"timestamp"`
}

type messageDocument struct {
	ID          string               `bson:"id"`
	Seq         int64                `bson:"seq"`
	SenderID    string               `bson:"sender_id"`
	Content     string               `bson:"content"`
	Attachments []Attachment         `bson:"attachments"`
	ReadBy      map[string]time.Time `bson:"read_by"`
	Timestamp   time.Time            `bson:"timestamp"`
}

func (d *conversationDocument) toConversation() *Conversation {
	c := &Conversation{
		ID:           d.ID,
		Kind:         Kind(d.Kind),
		DisplayName:  d.DisplayName,
		Participants: d.Participants,
		LastSequence: d.LastSeq,
		CreatedAt:    d.CreatedAt,
		PairKey:      d.PairKey,
	}
	if d.LastMessage != nil {
		c.LastMessage = &MessageSummary{
			SenderID:  d.LastMessage.SenderID,
			Content:   d.LastMessage.Content,
			Sequence:  d.LastMessage.Seq,
			Timestamp: d.LastMessage.Timestamp,
		}
	}
	return c
}

func (d *messageDocument) toMessage(conversationID string) *Message {
	readBy := d.ReadBy
	if readBy == nil {
		readBy = make(map[string]time.Time)
	}
	return &Message{
		ID:             d.ID,
		ConversationID: conversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Attachments:    nonNilAttachments(d.Attachments),
		ReadBy:         readBy,
		Sequence:       d.Seq,
		Timestamp:      d.Timestamp,
	}
}

// MongoRepository stores each conversation as one document with its message
// log embedded.
type MongoRepository struct {
	coll *mongo.Collection
}

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(conversationsCollection)}
}

// EnsureIndexes creates the private-pair uniqueness and participant indexes.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "pair_key", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{Keys: bson.D{{Key: "participants", Value: 1}}},
	})
	return errors.Wrap(err, "create conversation indexes")
}

func (r *MongoRepository) CreateConversation(ctx context.Context, c *Conversation) error {
	_, err := r.coll.InsertOne(ctx, conversationDocument{
		ID:           c.ID,
		Kind:         string(c.Kind),
		DisplayName:  c.DisplayName,
		PairKey:      c.PairKey,
		Participants: c.Participants,
		CreatedAt:    c.CreatedAt,
		Messages:     []messageDocument{},
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "insert conversation")
}

var withoutMessages = bson.M{"messages": 0}

func (r *MongoRepository) FindPrivate(ctx context.Context, pairKey string) (*Conversation, error) {
	return r.findOne(ctx, bson.M{"pair_key": pairKey})
}

func (r *MongoRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoRepository) findOne(ctx context.Context, filter bson.M) (*Conversation, error) {
	var doc conversationDocument
	err := r.coll.FindOne(ctx, filter, options.FindOne().SetProjection(withoutMessages)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find conversation")
	}
	return doc.toConversation(), nil
}

func (r *MongoRepository) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	cur, err := r.coll.Find(ctx, bson.M{"participants": userID}, options.Find().SetProjection(withoutMessages))
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	var docs []conversationDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode conversations")
	}
	out := make([]*Conversation, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toConversation())
	}
	return out, nil
}

// AppendMessage pushes m guarded by the last sequence it observed. A lost
// race is retried a few times before giving up with ErrConflict.
func (r *MongoRepository) AppendMessage(ctx context.Context, m *Message) error {
	for attempt := 0; attempt < appendAttempts; attempt++ {
		var head struct {
			LastSeq int64 `bson:"last_seq"`
		}
		err := r.coll.FindOne(ctx, bson.M{"_id": m.ConversationID},
			options.FindOne().SetProjection(bson.M{"last_seq": 1})).Decode(&head)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "read last sequence")
		}

		seq := head.LastSeq + 1
		readBy := m.ReadBy
		if readBy == nil {
			readBy = map[string]time.Time{}
		}
		doc := messageDocument{
			ID:          m.ID,
			Seq:         seq,
			SenderID:    m.SenderID,
			Content:     m.Content,
			Attachments: nonNilAttachments(m.Attachments),
			ReadBy:      readBy,
			Timestamp:   m.Timestamp,
		}
		res, err := r.coll.UpdateOne(ctx,
			bson.M{"_id": m.ConversationID, "last_seq": head.LastSeq},
			bson.M{
				"$push": bson.M{"messages": doc},
				"$set": bson.M{
					"last_seq": seq,
					"last_message": summaryDocument{
						SenderID:  m.SenderID,
						Content:   snippet(m.Content),
						Seq:       seq,
						Timestamp: m.Timestamp,
					},
				},
			})
		if err != nil {
			return errors.Wrap(err, "append message")
		}
		if res.MatchedCount == 1 {
			m.Sequence = seq
			return nil
		}
	}
	return errors.Wrapf(ErrConflict, "append to %s", m.ConversationID)
}

// MessagesInRange relies on message seq n being stored at array index n-1.
func (r *MongoRepository) MessagesInRange(ctx context.Context, conversationID string, afterSeq, uptoSeq int64) ([]*Message, error) {
	from := max(afterSeq, 0)
	if uptoSeq <= from {
		if _, err := r.GetConversation(ctx, conversationID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var doc struct {
		Messages []messageDocument `bson:"messages"`
	}
	opts := options.FindOne().SetProjection(bson.M{
		"messages": bson.M{"$slice": bson.A{from, uptoSeq - from}},
		"_id":      1,
	})
	err := r.coll.FindOne(ctx, bson.M{"_id": conversationID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select messages")
	}

	out := make([]*Message, 0, len(doc.Messages))
	for i := range doc.Messages {
		out = append(out, doc.Messages[i].toMessage(conversationID))
	}
	return out, nil
}

func (r *MongoRepository) MarkRead(ctx context.Context, conversationID, userID string, upTo int64, readAt time.Time) (int64, error) {
	unread, err := r.MessagesInRange(ctx, conversationID, 0, upTo)
	if err != nil {
		return 0, err
	}
	var pending int64
	for _, m := range unread {
		if _, seen := m.ReadBy[userID]; !seen {
			pending++
		}
	}
	if pending == 0 {
		return 0, nil
	}

	field := "read_by." + userID
	unreadFilter := "m." + field
	_, err = r.coll.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"messages.$[m]." + field: readAt}},
		options.Update().SetArrayFilters(options.ArrayFilters{
			Filters: []interface{}{bson.M{
				"m.seq":      bson.M{"$lte": upTo},
				unreadFilter: bson.M{"$exists": false},
			}},
		}))
	if err != nil {
		return 0, errors.Wrap(err, "mark read")
	}
	return pending, nil
}

func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.coll.Database().Client().Ping(ctx, nil)
}
