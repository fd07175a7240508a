package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketpulse/internal/config"
	"marketpulse/internal/engine"
	"marketpulse/internal/errors"
	"marketpulse/internal/models"
)

// Collection names.
const (
	seriesCollection      = "tracked_series"
	usersCollection       = "users"
	configsCollection     = "threshold_configs"
	sentSignalsCollection = "sent_signals"
)

// Mongo implements SeriesStore, UserStore and SentSignalStore against one
// MongoDB database.
type Mongo struct {
	client       *mongo.Client
	db           *mongo.Database
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// Connect establishes the MongoDB connection and verifies it with a ping.
func Connect(ctx context.Context, cfg config.MongoConfig, logger zerolog.Logger) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(10).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "pinging mongo")
	}

	m := &Mongo{
		client:       client,
		db:           client.Database(cfg.Database),
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
	}
	m.createIndexes(ctx)
	return m, nil
}

// Close disconnects the client.
func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) createIndexes(ctx context.Context) {
	_, err := m.db.Collection(seriesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "exchange", Value: 1}, {Key: "metric", Value: 1}, {Key: "symbol", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "daily_signal_count_growth", Value: 1}}},
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Creating series indexes")
	}
	_, err = m.db.Collection(sentSignalsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sent_at", Value: 1}},
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Creating sent-signal index")
	}
	_, err = m.db.Collection(usersCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Creating user index")
	}
}

func seriesFilter(ex models.Exchange, metric models.MetricKind, symbol string, userID int64) bson.M {
	return bson.M{
		"exchange": ex,
		"metric":   metric,
		"symbol":   symbol,
		"user_id":  userID,
	}
}

// ApplyUpdates applies a batch of field overwrites as one unordered bulk
// write. Unordered lets independent per-user updates proceed past a failed
// one.
func (m *Mongo) ApplyUpdates(ctx context.Context, updates []engine.SeriesUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	ops := make([]mongo.WriteModel, 0, len(updates))
	for _, u := range updates {
		set := bson.M{}
		for k, v := range u.Set {
			set[k] = v
		}
		ops = append(ops, mongo.NewUpdateOneModel().
			SetFilter(seriesFilter(u.Exchange, u.Metric, u.Symbol, u.UserID)).
			SetUpdate(bson.M{"$set": set}))
	}

	res, err := m.db.Collection(seriesCollection).BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return errors.Wrap(err, "bulk series update")
	}
	m.logger.Debug().
		Int64("matched", res.MatchedCount).
		Int64("modified", res.ModifiedCount).
		Int("batch", len(ops)).
		Msg("Series batch applied")
	return nil
}

// EnsureSeries creates missing rows via $setOnInsert upserts so existing
// baselines and counters are never clobbered.
func (m *Mongo) EnsureSeries(ctx context.Context, seeds []SeriesSeed) error {
	if len(seeds) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	now := time.Now()
	ops := make([]mongo.WriteModel, 0, len(seeds))
	for _, s := range seeds {
		ops = append(ops, mongo.NewUpdateOneModel().
			SetFilter(seriesFilter(s.Exchange, s.Metric, s.Symbol, s.UserID)).
			SetUpdate(bson.M{"$setOnInsert": bson.M{
				"baseline_growth":              s.Baseline,
				"baseline_recession":           s.Baseline,
				"last_reset_growth_at":         now,
				"last_reset_recession_at":      now,
				"daily_signal_count_growth":    0,
				"daily_signal_count_recession": 0,
			}}).
			SetUpsert(true))
	}

	res, err := m.db.Collection(seriesCollection).BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return errors.Wrap(err, "bulk series upsert")
	}
	if res.UpsertedCount > 0 {
		m.logger.Debug().Int64("created", res.UpsertedCount).Msg("Series rows created")
	}
	return nil
}

// FindEvaluationPairs joins series rows with their owners' configs for the
// given symbol set, keeping only users subscribed to the exchange.
func (m *Mongo) FindEvaluationPairs(ctx context.Context, ex models.Exchange, metric models.MetricKind, symbols []string) (map[string][]models.EvaluationPair, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	cursor, err := m.db.Collection(seriesCollection).Find(ctx, bson.M{
		"exchange": ex,
		"metric":   metric,
		"symbol":   bson.M{"$in": symbols},
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying series")
	}
	var series []models.TrackedSeries
	if err := cursor.All(ctx, &series); err != nil {
		return nil, errors.Wrap(err, "decoding series")
	}
	if len(series) == 0 {
		return map[string][]models.EvaluationPair{}, nil
	}

	userIDs := make([]int64, 0, len(series))
	seen := make(map[int64]struct{}, len(series))
	for _, s := range series {
		if _, ok := seen[s.UserID]; !ok {
			seen[s.UserID] = struct{}{}
			userIDs = append(userIDs, s.UserID)
		}
	}

	cfgCursor, err := m.db.Collection(configsCollection).Find(ctx, bson.M{
		"user_id":   bson.M{"$in": userIDs},
		"exchanges": ex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying configs")
	}
	var cfgs []models.ThresholdConfig
	if err := cfgCursor.All(ctx, &cfgs); err != nil {
		return nil, errors.Wrap(err, "decoding configs")
	}
	cfgByUser := make(map[int64]models.ThresholdConfig, len(cfgs))
	for _, c := range cfgs {
		cfgByUser[c.UserID] = c
	}

	pairs := make(map[string][]models.EvaluationPair)
	for _, s := range series {
		cfg, ok := cfgByUser[s.UserID]
		if !ok {
			// User not subscribed to this exchange (or config missing).
			continue
		}
		pairs[s.Symbol] = append(pairs[s.Symbol], models.EvaluationPair{Series: s, Config: cfg})
	}
	return pairs, nil
}

// ResetDailyCounters zeroes the daily counters on every row where at least
// one counter is non-zero.
func (m *Mongo) ResetDailyCounters(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	res, err := m.db.Collection(seriesCollection).UpdateMany(ctx,
		bson.M{"$or": bson.A{
			bson.M{"daily_signal_count_growth": bson.M{"$gt": 0}},
			bson.M{"daily_signal_count_recession": bson.M{"$gt": 0}},
		}},
		bson.M{"$set": bson.M{
			"daily_signal_count_growth":    0,
			"daily_signal_count_recession": 0,
		}},
	)
	if err != nil {
		return 0, errors.Wrap(err, "resetting daily counters")
	}
	return res.ModifiedCount, nil
}

// DeleteUserSeries removes every series row for the user, across all
// exchanges and metrics.
func (m *Mongo) DeleteUserSeries(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	_, err := m.db.Collection(seriesCollection).DeleteMany(ctx, bson.M{"user_id": userID})
	return errors.Wrap(err, "deleting user series")
}

// MissingUserIDs returns subscribed users without a series row for symbol.
func (m *Mongo) MissingUserIDs(ctx context.Context, ex models.Exchange, metric models.MetricKind, symbol string) ([]int64, error) {
	subscribed, err := m.SubscribedUserIDs(ctx, ex)
	if err != nil {
		return nil, err
	}
	if len(subscribed) == 0 {
		return nil, nil
	}

	cursor, err := m.db.Collection(seriesCollection).Find(ctx,
		bson.M{"exchange": ex, "metric": metric, "symbol": symbol},
		options.Find().SetProjection(bson.M{"user_id": 1}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying existing series")
	}
	var existing []struct {
		UserID int64 `bson:"user_id"`
	}
	if err := cursor.All(ctx, &existing); err != nil {
		return nil, errors.Wrap(err, "decoding existing series")
	}
	have := make(map[int64]struct{}, len(existing))
	for _, e := range existing {
		have[e.UserID] = struct{}{}
	}

	var missing []int64
	for _, id := range subscribed {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// FindUser returns the user record, or ErrUserNotFound.
func (m *Mongo) FindUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	err := m.db.Collection(usersCollection).FindOne(ctx, bson.M{"user_id": userID}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding user")
	}
	return &u, nil
}

// FindUsers returns the user records for the given IDs in one query.
func (m *Mongo) FindUsers(ctx context.Context, userIDs []int64) ([]models.User, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	cursor, err := m.db.Collection(usersCollection).Find(ctx, bson.M{"user_id": bson.M{"$in": userIDs}})
	if err != nil {
		return nil, errors.Wrap(err, "finding users")
	}
	var users []models.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, errors.Wrap(err, "decoding users")
	}
	return users, nil
}

// SubscribedUserIDs returns users whose config includes the exchange.
func (m *Mongo) SubscribedUserIDs(ctx context.Context, ex models.Exchange) ([]int64, error) {
	cursor, err := m.db.Collection(configsCollection).Find(ctx,
		bson.M{"exchanges": ex},
		options.Find().SetProjection(bson.M{"user_id": 1}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying subscribed configs")
	}
	var docs []struct {
		UserID int64 `bson:"user_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decoding subscribed configs")
	}
	ids := make([]int64, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.UserID)
	}
	return ids, nil
}

// FindConfig returns the user's threshold settings.
func (m *Mongo) FindConfig(ctx context.Context, userID int64) (*models.ThresholdConfig, error) {
	var c models.ThresholdConfig
	err := m.db.Collection(configsCollection).FindOne(ctx, bson.M{"user_id": userID}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, errors.ErrUserNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "finding config")
	}
	return &c, nil
}

// SaveConfig validates and upserts the user's threshold settings.
func (m *Mongo) SaveConfig(ctx context.Context, cfg models.ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	_, err := m.db.Collection(configsCollection).ReplaceOne(ctx,
		bson.M{"user_id": cfg.UserID}, cfg, options.Replace().SetUpsert(true))
	return errors.Wrap(err, "saving config")
}

// DeleteUser removes the user record and their config. Series rows are
// cascaded by the caller.
func (m *Mongo) DeleteUser(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	if _, err := m.db.Collection(usersCollection).DeleteOne(ctx, bson.M{"user_id": userID}); err != nil {
		return errors.Wrap(err, "deleting user")
	}
	if _, err := m.db.Collection(configsCollection).DeleteOne(ctx, bson.M{"user_id": userID}); err != nil {
		return errors.Wrap(err, "deleting config")
	}
	return nil
}

// Track records a delivered notification.
func (m *Mongo) Track(ctx context.Context, sig models.SentSignal) error {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	_, err := m.db.Collection(sentSignalsCollection).InsertOne(ctx, sig)
	return errors.Wrap(err, "tracking sent signal")
}

// FindOlderThan returns up to limit signals sent before the cutoff.
func (m *Mongo) FindOlderThan(ctx context.Context, cutoff time.Time, limit int64) ([]models.SentSignal, error) {
	cursor, err := m.db.Collection(sentSignalsCollection).Find(ctx,
		bson.M{"sent_at": bson.M{"$lt": cutoff}},
		options.Find().SetLimit(limit),
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying old signals")
	}
	var sigs []models.SentSignal
	if err := cursor.All(ctx, &sigs); err != nil {
		return nil, errors.Wrap(err, "decoding old signals")
	}
	return sigs, nil
}

// Delete removes one sent-signal record.
func (m *Mongo) Delete(ctx context.Context, sig models.SentSignal) error {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()

	_, err := m.db.Collection(sentSignalsCollection).DeleteOne(ctx, bson.M{
		"chat_id":    sig.ChatID,
		"message_id": sig.MessageID,
	})
	return errors.Wrap(err, "deleting sent signal")
}

// Count returns the number of tracked sent signals.
func (m *Mongo) Count(ctx context.Context) (int64, error) {
	return m.db.Collection(sentSignalsCollection).CountDocuments(ctx, bson.M{})
}
