// Package archive moves cold persisted records from internal/store's
// "records" collection to S3, gzipped and batched by day, on a periodic
// cycle. The cursor is kept in a state collection and advanced once a batch
// uploads cleanly, the same cycle/rotate shape as any checkpointed sweep,
// with objects written via aws-sdk-go-v2/feature/s3/manager instead of a
// local disk directory.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/aoxiansheng/stock-api-sub013/internal/store"
)

const stateCollection = "archive_state"

// Uploader is the subset of manager.Uploader the archiver depends on, so
// tests can substitute a fake without touching S3.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver periodically moves aged-out records from MongoDB to S3, grouped
// into one gzipped NDJSON object per day.
type Archiver struct {
	db       *mongo.Database
	uploader Uploader
	bucket   string
	prefix   string
	interval time.Duration
	maxAge   time.Duration
	log      zerolog.Logger
}

// New creates an Archiver. db should be the same database internal/store
// writes records into (store.MongoStore.DB()).
func New(db *mongo.Database, uploader Uploader, bucket, prefix string, intervalHours, afterHours int, log zerolog.Logger) *Archiver {
	return &Archiver{
		db:       db,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		interval: time.Duration(intervalHours) * time.Hour,
		maxAge:   time.Duration(afterHours) * time.Hour,
		log:      log,
	}
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.log.Info().Str("bucket", a.bucket).Str("prefix", a.prefix).
		Dur("interval", a.interval).Dur("age", a.maxAge).Msg("record archiver starting")

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("record archiver: load cursor")
		return
	}

	cutoff := time.Now().Add(-a.maxAge)
	if !cursor.Before(cutoff) {
		return
	}

	records, err := a.queryRecords(ctx, cursor, cutoff)
	if err != nil {
		a.log.Warn().Err(err).Msg("record archiver: query")
		return
	}
	if len(records) == 0 {
		a.saveCursor(ctx, cutoff)
		return
	}

	batches := groupByDay(records)

	days := make([]string, 0, len(batches))
	for day := range batches {
		days = append(days, day)
	}
	sort.Strings(days)

	for _, day := range days {
		batch := batches[day]
		if err := a.uploadBatch(ctx, day, batch); err != nil {
			a.log.Warn().Err(err).Str("day", day).Msg("record archiver: upload")
			return
		}
		if err := a.deleteBatch(ctx, batch); err != nil {
			a.log.Warn().Err(err).Str("day", day).Msg("record archiver: delete")
			return
		}
		a.log.Info().Int("count", len(batch)).Str("day", day).Msg("record archiver: archived")
	}

	a.saveCursor(ctx, cutoff)
}

// archivedRecord mirrors store.Record plus its Mongo _id, so deleteBatch can
// target the exact archived documents.
type archivedRecord struct {
	ID bson.ObjectID `bson:"_id"`
	store.Record
}

func (a *Archiver) loadCursor(ctx context.Context) (time.Time, error) {
	var doc struct {
		ValueTime time.Time `bson:"value_time"`
	}
	err := a.db.Collection(stateCollection).FindOne(ctx, bson.M{"key": "archive_cursor"}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.ValueTime, nil
}

func (a *Archiver) saveCursor(ctx context.Context, t time.Time) {
	_, err := a.db.Collection(stateCollection).UpdateOne(ctx,
		bson.M{"key": "archive_cursor"},
		bson.M{"$set": bson.M{
			"key":        "archive_cursor",
			"value_time": t,
			"updated_at": time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		a.log.Warn().Err(err).Msg("record archiver: save cursor")
	}
}

func (a *Archiver) queryRecords(ctx context.Context, from, to time.Time) ([]archivedRecord, error) {
	filter := bson.M{
		"updated_at": bson.M{"$gte": from, "$lt": to},
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})

	cur, err := a.db.Collection(store.RecordsCollectionName).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	defer cur.Close(ctx)

	var records []archivedRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}

func groupByDay(records []archivedRecord) map[string][]archivedRecord {
	batches := make(map[string][]archivedRecord)
	for _, r := range records {
		day := r.UpdatedAt.UTC().Format("2006/01/02")
		batches[day] = append(batches[day], r)
	}
	return batches
}

// uploadBatch gzips records as NDJSON and uploads them to
// s3://bucket/prefix/YYYY/MM/DD.jsonl.gz.
func (a *Archiver) uploadBatch(ctx context.Context, day string, records []archivedRecord) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, r := range records {
		if err := enc.Encode(r.Record); err != nil {
			gz.Close()
			return fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	key := fmt.Sprintf("%s/%s.jsonl.gz", a.prefix, day)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: strPtr("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (a *Archiver) deleteBatch(ctx context.Context, records []archivedRecord) error {
	ids := make([]bson.ObjectID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	_, err := a.db.Collection(store.RecordsCollectionName).DeleteMany(ctx, bson.M{
		"_id": bson.M{"$in": ids},
	})
	if err != nil {
		return fmt.Errorf("delete archived records: %w", err)
	}
	return nil
}

func strPtr(s string) *string { return &s }
