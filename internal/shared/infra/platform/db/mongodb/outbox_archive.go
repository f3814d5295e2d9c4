package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davicafu/hexaretail/internal/shared/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// OutboxArchiveMongo guarda una copia de los eventos COMPLETED antes de que la retención los borre.
type OutboxArchiveMongo struct {
	coll *mongo.Collection
}

var _ domain.OutboxArchiver = (*OutboxArchiveMongo)(nil)

// NewOutboxArchiveMongo comprueba la conexión y crea los índices del archivo.
func NewOutboxArchiveMongo(ctx context.Context, client *mongo.Client, dbName string) (*OutboxArchiveMongo, error) {
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("could not ping mongoDB: %w", err)
	}

	coll := client.Database(dbName).Collection("outbox_archive")
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "processedAt", Value: -1}}},
		{Keys: bson.D{{Key: "aggregateType", Value: 1}, {Key: "aggregateId", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("could not create archive indexes: %w", err)
	}

	return &OutboxArchiveMongo{coll: coll}, nil
}

// --- Structs de BSON para el mapeo ---
// Se definen localmente para no "contaminar" el dominio con tags de BSON.

type mongoArchivedEvent struct {
	ID            string      `bson:"_id"`
	TenantID      string      `bson:"tenantId"`
	AggregateType string      `bson:"aggregateType"`
	AggregateID   string      `bson:"aggregateId"`
	EventType     string      `bson:"eventType"`
	RoutingKey    string      `bson:"routingKey"`
	Payload       interface{} `bson:"payload"`
	RetryCount    int         `bson:"retryCount"`
	CreatedAt     time.Time   `bson:"createdAt"`
	ProcessedAt   *time.Time  `bson:"processedAt,omitempty"`
	ArchivedAt    time.Time   `bson:"archivedAt"`
}

func toMongoArchivedEvent(evt domain.OutboxEvent, archivedAt time.Time) mongoArchivedEvent {
	// El payload se guarda como documento para poder consultarlo; si no es un objeto JSON se guarda como texto.
	var payload interface{}
	if err := bson.UnmarshalExtJSON(evt.Payload, false, &payload); err != nil {
		payload = string(evt.Payload)
	}
	return mongoArchivedEvent{
		ID:            evt.ID.String(),
		TenantID:      evt.TenantID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		RoutingKey:    evt.RoutingKey(),
		Payload:       payload,
		RetryCount:    evt.RetryCount,
		CreatedAt:     evt.CreatedAt,
		ProcessedAt:   evt.ProcessedAt,
		ArchivedAt:    archivedAt,
	}
}

// Archive inserta los eventos ignorando los que ya estaban archivados, así reintentar es seguro.
func (a *OutboxArchiveMongo) Archive(ctx context.Context, events []domain.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	docs := make([]interface{}, 0, len(events))
	for _, evt := range events {
		docs = append(docs, toMongoArchivedEvent(evt, now))
	}

	_, err := a.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicateKeyErrors(err) {
		return fmt.Errorf("failed to archive outbox events: %w", err)
	}
	return nil
}

// CountArchived devuelve cuántos eventos de un tenant hay archivados.
func (a *OutboxArchiveMongo) CountArchived(ctx context.Context, tenantID string) (int64, error) {
	filter := bson.M{}
	if tenantID != "" {
		filter["tenantId"] = tenantID
	}
	return a.coll.CountDocuments(ctx, filter)
}

func onlyDuplicateKeyErrors(err error) bool {
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		if bulkErr.WriteConcernError != nil {
			return false
		}
		for _, we := range bulkErr.WriteErrors {
			if we.Code != 11000 {
				return false
			}
		}
		return true
	}
	return mongo.IsDuplicateKeyError(err)
}
