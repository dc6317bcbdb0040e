package journal

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"timenest-backend/internal/auth"
	"timenest-backend/internal/observability"
)

const (
	CollectionName   = "auth_events"
	defaultTimeout   = 2 * time.Second
	defaultRetention = 90 * 24 * time.Hour
)

type eventDocument struct {
	ID       bson.ObjectID     `bson:"_id"`
	Type     string            `bson:"type"`
	UserID   string            `bson:"user_id,omitempty"`
	Username string            `bson:"username,omitempty"`
	Email    string            `bson:"email,omitempty"`
	At       time.Time         `bson:"at"`
	Detail   map[string]string `bson:"detail,omitempty"`
}

type writer interface {
	insert(ctx context.Context, doc eventDocument) error
}

type collectionWriter struct {
	collection *mongo.Collection
}

func (w collectionWriter) insert(ctx context.Context, doc eventDocument) error {
	_, err := w.collection.InsertOne(ctx, doc)
	return err
}

// Recorder appends auth events to a Mongo collection. Writes are bounded by a
// short timeout and failures are logged, never returned.
type Recorder struct {
	writer  writer
	logger  *observability.Logger
	timeout time.Duration
}

func NewRecorder(collection *mongo.Collection, logger *observability.Logger) *Recorder {
	return newRecorder(collectionWriter{collection: collection}, logger)
}

func newRecorder(w writer, logger *observability.Logger) *Recorder {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Recorder{writer: w, logger: logger, timeout: defaultTimeout}
}

func (r *Recorder) Record(ctx context.Context, event auth.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.writer.insert(ctx, newEventDocument(event)); err != nil {
		r.logger.Warn("auth_event_write_failed", map[string]any{
			"type":    string(event.Type),
			"user_id": event.UserID,
			"error":   err,
		})
	}
}

func newEventDocument(event auth.Event) eventDocument {
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}

	var detail map[string]string
	if len(event.Detail) > 0 {
		detail = make(map[string]string, len(event.Detail))
		for k, v := range event.Detail {
			detail[k] = v
		}
	}

	return eventDocument{
		ID:       bson.NewObjectID(),
		Type:     string(event.Type),
		UserID:   event.UserID,
		Username: event.Username,
		Email:    event.Email,
		At:       at.UTC(),
		Detail:   detail,
	}
}

// Connect opens a client for uri and checks it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the lookup index by user and a TTL index that expires
// events after retention.
func EnsureIndexes(ctx context.Context, collection *mongo.Collection, retention time.Duration) error {
	if retention <= 0 {
		retention = defaultRetention
	}

	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention.Seconds())),
		},
	})
	if err != nil {
		return fmt.Errorf("create auth event indexes: %w", err)
	}
	return nil
}
