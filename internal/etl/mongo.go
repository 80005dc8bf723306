package etl

import (
	"context"
	"fmt"

	"github.com/BartekS5/tabsync/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDestination stores each extract row as a document keyed on the
// primary-key field. Batches run in a multi-document transaction, which
// needs a replica set or sharded cluster.
type MongoDestination struct {
	Client   *mongo.Client
	Database string
}

func NewMongoDestination(client *mongo.Client, database string) *MongoDestination {
	return &MongoDestination{Client: client, Database: database}
}

func (m *MongoDestination) collection(name string) *mongo.Collection {
	return m.Client.Database(m.Database).Collection(name)
}

// Provision ensures the collection has a unique index on the key field.
func (m *MongoDestination) Provision(ctx context.Context, desc models.TableDescriptor) error {
	if desc.PrimaryKey == "_id" {
		return nil
	}
	_, err := m.collection(desc.Name).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: desc.PrimaryKey, Value: 1}},
		Options: options.Index().SetUnique(true).SetName(desc.PrimaryKey + "_pk"),
	})
	return err
}

func (m *MongoDestination) Truncate(ctx context.Context, table string) error {
	_, err := m.collection(table).DeleteMany(ctx, bson.M{})
	return err
}

// UpsertModels builds one upserting UpdateOne per row.
func (m *MongoDestination) UpsertModels(desc models.TableDescriptor, rows [][]models.Value) []mongo.WriteModel {
	writes := make([]mongo.WriteModel, 0, len(rows))
	keyIdx := -1
	for i, c := range desc.Columns {
		if c.Name == desc.PrimaryKey {
			keyIdx = i
		}
	}
	for _, row := range rows {
		values := desc.Coerce(row)
		doc := make(bson.D, 0, len(values))
		for i, c := range desc.Columns {
			if i == keyIdx {
				continue
			}
			doc = append(doc, bson.E{Key: c.Name, Value: values[i]})
		}
		filter := bson.D{{Key: desc.PrimaryKey, Value: values[keyIdx]}}
		update := bson.D{{Key: "$set", Value: doc}}
		if len(doc) == 0 {
			update = bson.D{{Key: "$setOnInsert", Value: filter}}
		}
		writes = append(writes, mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true))
	}
	return writes
}

func (m *MongoDestination) WriteBatch(ctx context.Context, desc models.TableDescriptor, rows [][]models.Value) (BatchCounts, error) {
	if len(rows) == 0 {
		return BatchCounts{}, nil
	}
	writes := m.UpsertModels(desc, rows)
	coll := m.collection(desc.Name)

	sess, err := m.Client.StartSession()
	if err != nil {
		return BatchCounts{}, fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return coll.BulkWrite(sc, writes)
	})
	if err != nil {
		return BatchCounts{}, fmt.Errorf("bulk write: %w", err)
	}
	res := out.(*mongo.BulkWriteResult)
	return BatchCounts{Inserted: int(res.UpsertedCount), Updated: int(res.MatchedCount)}, nil
}
