package directory

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/messaging-core/internal/domain"
)

// MongoDirectory reads the user service's collection directly. Users are
// keyed by ObjectID there, while tokens carry the hex form.
type MongoDirectory struct {
	coll *mongo.Collection
}

func NewMongoDirectory(db *mongo.Database, collection string) *MongoDirectory {
	return &MongoDirectory{coll: db.Collection(collection)}
}

type userDoc struct {
	ID       any    `bson:"_id"`
	Name     string `bson:"name"`
	Username string `bson:"username"`
	Avatar   string `bson:"avatar"`
}

func (d *MongoDirectory) Profiles(ctx context.Context, ids []string) (map[string]domain.Profile, error) {
	ids = unique(ids)
	out := make(map[string]domain.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]any, 0, len(ids)*2)
	for _, id := range ids {
		keys = append(keys, id)
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			keys = append(keys, oid)
		}
	}

	opts := options.Find().SetProjection(bson.M{"name": 1, "username": 1, "avatar": 1})
	cur, err := d.coll.Find(ctx, bson.M{"_id": bson.M{"$in": keys}, "deleted_at": bson.M{"$exists": false}}, opts)
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc userDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode user: %w", err)
		}
		id := idString(doc.ID)
		if id == "" {
			continue
		}
		name := doc.Name
		if name == "" {
			name = doc.Username
		}
		out[id] = domain.Profile{ID: id, Name: name, Avatar: doc.Avatar}
	}
	return out, cur.Err()
}

func idString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return ""
	}
}
