// Package config reads the service configuration from environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jarrod-lowe/jmap-service-indexer/internal/asyncevent"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/consumer"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/queue"
	"github.com/jarrod-lowe/jmap-service-indexer/internal/reindex"
)

// Defaults for settings that are not required.
const (
	DefaultMaxQueueDepth           = 100000
	DefaultDepthCacheTTL           = 5 * time.Second
	DefaultDeadLetterRetentionDays = 14
	DefaultVersionCacheSize        = 10000
	DefaultListenAddr              = ":8080"
)

// Config is the configuration shared by every binary. Each binary uses the
// parts it needs.
type Config struct {
	// EntityTable is the storage table entities and edges are read from.
	EntityTable string
	// IndexTable holds version marks, job status, dead letters and the document registry.
	IndexTable string

	Lanes         map[asyncevent.QueueType]queue.Lane
	MaxQueueDepth int64
	// DepthCacheTTL is how long a backlog read for MaxQueueDepth is reused.
	DepthCacheTTL time.Duration
	// QueueType is the lane a single-lane consumer is attached to.
	QueueType asyncevent.QueueType

	Consumer consumer.Config
	Workers  []consumer.LaneConfig

	DeadLetterRetentionDays int
	VersionCacheSize        int

	// SearchIndexDir roots the on-disk bleve indexes of index-worker.
	SearchIndexDir string
	// VectorBucket enables the semantic index when set.
	VectorBucket string
	ResourceTags map[string]string

	Reindex    reindex.Config
	ListenAddr string
}

// FromEnv reads the configuration from the process environment.
//
//	ENTITY_TABLE_NAME, INDEX_TABLE_NAME
//	QUEUE_URL_<LANE>, DEAD_LETTER_QUEUE_URL_<LANE>  (LANE = REGULAR, INDEX, UTILITY)
//	MAX_QUEUE_DEPTH, DEPTH_CACHE_TTL, QUEUE_TYPE
//	MAX_ATTEMPTS, MAX_RECEIVE_COUNT, RETRY_INITIAL_INTERVAL, RETRY_MAX_INTERVAL, WRITE_CONCURRENCY
//	WORKERS_<LANE>, BATCH_SIZE, RECEIVE_WAIT
//	DEAD_LETTER_RETENTION_DAYS, VERSION_CACHE_SIZE
//	SEARCH_INDEX_DIR, VECTOR_BUCKET_NAME, RESOURCE_TAGS (JSON object)
//	REINDEX_RATE, REINDEX_BURST, REINDEX_PAGE_SIZE
//	LISTEN_ADDR
func FromEnv() (Config, error) {
	p := parser{}
	cfg := Config{
		EntityTable:             os.Getenv("ENTITY_TABLE_NAME"),
		IndexTable:              os.Getenv("INDEX_TABLE_NAME"),
		Lanes:                   make(map[asyncevent.QueueType]queue.Lane),
		MaxQueueDepth:           p.int64("MAX_QUEUE_DEPTH", DefaultMaxQueueDepth),
		DepthCacheTTL:           p.duration("DEPTH_CACHE_TTL", DefaultDepthCacheTTL),
		DeadLetterRetentionDays: p.int("DEAD_LETTER_RETENTION_DAYS", DefaultDeadLetterRetentionDays),
		VersionCacheSize:        p.int("VERSION_CACHE_SIZE", DefaultVersionCacheSize),
		SearchIndexDir:          os.Getenv("SEARCH_INDEX_DIR"),
		VectorBucket:            os.Getenv("VECTOR_BUCKET_NAME"),
		ListenAddr:              p.string("LISTEN_ADDR", DefaultListenAddr),
		QueueType:               asyncevent.QueueType(p.string("QUEUE_TYPE", string(asyncevent.QueueRegular))),
	}
	if !cfg.QueueType.Valid() {
		p.fail("QUEUE_TYPE", fmt.Errorf("unknown queue type %q", cfg.QueueType))
	}

	for _, qt := range asyncevent.QueueTypes {
		suffix := strings.ToUpper(string(qt))
		if url := os.Getenv("QUEUE_URL_" + suffix); url != "" {
			cfg.Lanes[qt] = queue.Lane{
				URL:           url,
				DeadLetterURL: os.Getenv("DEAD_LETTER_QUEUE_URL_" + suffix),
			}
		}
	}

	consumerDefaults := consumer.DefaultConfig()
	cfg.Consumer = consumer.Config{
		MaxAttempts:     p.int("MAX_ATTEMPTS", consumerDefaults.MaxAttempts),
		MaxReceiveCount: p.int("MAX_RECEIVE_COUNT", consumerDefaults.MaxReceiveCount),
		InitialInterval: p.duration("RETRY_INITIAL_INTERVAL", consumerDefaults.InitialInterval),
		MaxInterval:     p.duration("RETRY_MAX_INTERVAL", consumerDefaults.MaxInterval),
		Concurrency:     p.int("WRITE_CONCURRENCY", consumerDefaults.Concurrency),
	}

	batchSize := p.int("BATCH_SIZE", 0)
	wait := p.duration("RECEIVE_WAIT", 0)
	for _, lane := range consumer.DefaultLanes() {
		lane.Workers = p.int("WORKERS_"+strings.ToUpper(string(lane.Queue)), lane.Workers)
		if batchSize > 0 {
			lane.BatchSize = batchSize
		}
		if wait > 0 {
			lane.Wait = wait
		}
		cfg.Workers = append(cfg.Workers, lane)
	}

	reindexDefaults := reindex.DefaultConfig()
	cfg.Reindex = reindex.Config{
		Rate:     p.float("REINDEX_RATE", reindexDefaults.Rate),
		Burst:    p.int("REINDEX_BURST", reindexDefaults.Burst),
		PageSize: int32(p.int("REINDEX_PAGE_SIZE", int(reindexDefaults.PageSize))),
	}

	if tagsJSON := os.Getenv("RESOURCE_TAGS"); tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &cfg.ResourceTags); err != nil {
			p.fail("RESOURCE_TAGS", err)
		}
	}

	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, nil
}

// Require returns an error naming the first empty value. Binaries call it with
// the settings they cannot run without.
func Require(values map[string]string) error {
	var missing []string
	for name, v := range values {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
}

// parser keeps the first parse failure so FromEnv can report it once.
type parser struct {
	err error
}

func (p *parser) fail(name string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", name, err)
	}
}

func (p *parser) string(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func (p *parser) int(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(name, err)
		return def
	}
	return n
}

func (p *parser) int64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(name, err)
		return def
	}
	return n
}

func (p *parser) float(name string, def float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(name, err)
		return def
	}
	return f
}

func (p *parser) duration(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(name, err)
		return def
	}
	return d
}
