package database

import (
	"context"
	"errors"
	"projectsync/internal/config"
	"projectsync/internal/model"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoJobs stores the job ledger in a MongoDB collection
type MongoJobs struct {
	client  *mongo.Client
	jobsCol *mongo.Collection
}

func NewMongoJobs(ctx context.Context, cfg config.MongoDBConfig) (*MongoJobs, error) {
	clientOptions := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	jobsCol := client.Database(cfg.DB).Collection("ingest_jobs")
	jobIndexModels := []mongo.IndexModel{
		{
			// Conflict guard lookups
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "status", Value: 1}},
			Options: options.Index(),
		},
		{
			// Index for sorting by creation date
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
	}

	if _, err := jobsCol.Indexes().CreateMany(ctx, jobIndexModels); err != nil {
		log.Warn().Err(err).Str("Collection", "ingest_jobs").Msg("Error creating indexes")
	}

	return &MongoJobs{client: client, jobsCol: jobsCol}, nil
}

func (m *MongoJobs) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := m.client.Ping(ctx, nil); err != nil {
		log.Error().Msgf("Job ledger health error: %v", err)
		return err
	}
	return nil
}

func (m *MongoJobs) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.client.Disconnect(ctx)
}

// CreateJob creates a new job in the database
func (m *MongoJobs) CreateJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	if job.Stats == nil {
		job.Stats = map[string]any{}
	}
	if job.Errors.Items == nil {
		job.Errors.Items = []model.ErrorEntry{}
	}

	if _, err := m.jobsCol.InsertOne(ctx, job); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create job")
		return err
	}

	log.Debug().Str("jobID", job.ID).Str("source", job.Source).Msg("Created new job")
	return nil
}

// GetJobByID retrieves a job by its ID
func (m *MongoJobs) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := m.jobsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrJobNotFound
		}
		log.Error().Err(err).Str("jobID", id).Msg("Failed to get job")
		return nil, err
	}
	return &job, nil
}

// UpdateJob replaces the job document
func (m *MongoJobs) UpdateJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now().UTC()

	result, err := m.jobsCol.ReplaceOne(ctx, bson.M{"_id": job.ID}, job)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to update job")
		return err
	}
	if result.MatchedCount == 0 {
		return ErrJobNotFound
	}

	log.Debug().Str("jobID", job.ID).Str("status", string(job.Status)).Int64("current", job.Current).Msg("Updated job")
	return nil
}

// ListJobs retrieves jobs newest first
func (m *MongoJobs) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	query := bson.M{}
	if filter.Source != "" {
		query["source"] = filter.Source
	}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}

	opts := options.Find().SetSort(bson.M{"created_at": -1})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := m.jobsCol.Find(ctx, query, opts)
	if err != nil {
		log.Error().Err(err).Str("source", filter.Source).Msg("Failed to list jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}
	return jobs, nil
}

// CountJobsByStatus counts jobs with a specific status
func (m *MongoJobs) CountJobsByStatus(ctx context.Context, status model.JobStatus) (int64, error) {
	count, err := m.jobsCol.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to count jobs by status")
		return 0, err
	}
	return count, nil
}
