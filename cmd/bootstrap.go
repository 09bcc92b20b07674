package cmd

import (
	"time"

	"example.com/backstage/services/onboarding/config"
	"example.com/backstage/services/onboarding/internal/cache"
	"example.com/backstage/services/onboarding/internal/database"
	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/messaging"
	"example.com/backstage/services/onboarding/internal/repository"
	"example.com/backstage/services/onboarding/internal/search"
	"example.com/backstage/services/onboarding/internal/service"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// connectDatabase connects with exponential backoff between attempts
func connectDatabase(cfg config.DatabaseConfig) (database.DB, error) {
	var db database.DB
	var err error
	maxRetries := 5
	retryInterval := time.Second

	for i := 0; i < maxRetries; i++ {
		log.WithField("attempt", i+1).Info("Connecting to database...")
		db, err = database.Connect(cfg)
		if err == nil {
			log.Info("Successfully connected to database")
			return db, nil
		}

		log.WithFields(logrus.Fields{
			"error":         err.Error(),
			"retry_attempt": i + 1,
			"max_retries":   maxRetries,
		}).Error("Failed to connect to database, retrying...")

		if i < maxRetries-1 {
			time.Sleep(retryInterval)
			retryInterval *= 2
		}
	}

	return nil, errors.Wrapf(err, "failed to connect to database after %d attempts", maxRetries)
}

// components holds everything a command needs to run the service
type components struct {
	db      database.DB
	cache   cache.RedisClient
	bus     messaging.ServiceBusClient
	service service.Service
}

// Close releases the connections in reverse order of creation
func (c *components) Close() {
	if c.service != nil {
		if err := c.service.Shutdown(); err != nil {
			log.WithError(err).Warn("Service shutdown error")
		}
	}
	if c.bus != nil {
		log.Info("Closing messaging connection...")
		if err := c.bus.Close(); err != nil {
			log.WithError(err).Error("Error closing messaging connection")
		}
	}
	if c.cache != nil {
		log.Info("Closing Redis connection...")
		if err := c.cache.Close(); err != nil {
			log.WithError(err).Error("Error closing Redis connection")
		}
	}
	if c.db != nil {
		log.Info("Closing database connection...")
		if err := c.db.Close(); err != nil {
			log.WithError(err).Error("Error closing database connection")
		}
	}
}

// buildComponents wires the database, cache, messaging, search and
// document intelligence clients into a service
func buildComponents(cfg *config.Config, nrApp *newrelic.Application, withProcessor bool) (*components, error) {
	c := &components{}

	db, err := connectDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	c.db = db

	// Initialize Redis cache client
	log.Info("Connecting to Redis...")
	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		log.WithError(err).Warn("Failed to connect to Redis, continuing without cache")
		redisClient = cache.NewNoopClient()
	}
	c.cache = redisClient

	// Initialize messaging client
	log.Info("Connecting to message broker...")
	bus, err := messaging.NewServiceBusClient(cfg.ServiceBus, "onboarding-notifier", log)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "failed to connect to message broker")
	}
	c.bus = bus

	// Search projection is optional
	var indexer search.Indexer
	if cfg.Elastic.URL != "" {
		elastic, err := search.NewElasticClient(cfg.Elastic)
		if err != nil {
			log.WithError(err).Warn("Failed to initialize Elasticsearch client, continuing without search projection")
		} else {
			indexer = elastic
		}
	}

	// Create service with configuration
	svc, err := service.NewService(service.ServiceConfig{
		Repository:       repository.NewRepository(db),
		Cache:            redisClient,
		DocIntel:         docintel.NewClient(cfg.DocIntel, log),
		MessagingClient:  bus,
		Indexer:          indexer,
		NewRelic:         nrApp,
		Logger:           log,
		Onboarding:       cfg.Onboarding,
		Maintenance:      cfg.Maintenance,
		DisableProcessor: !withProcessor,
	})
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "failed to initialize service")
	}
	c.service = svc

	return c, nil
}
