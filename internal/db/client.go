package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
)

// Config holds database configuration
type Config struct {
	Driver          string // "postgres" or "sqlite3"
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	QueueSize       int
	Workers         int
}

// Client manages database connections and operations
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	config *Config

	// Write queue for async operations
	writeQueue chan WriteRequest
	workers    int
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
	now        func() time.Time
}

// WriteRequest represents an async write operation
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeScan WriteType = iota
	WriteTypeCacheEntry
	WriteTypeFieldReport
)

// String returns the string representation of WriteType
func (wt WriteType) String() string {
	switch wt {
	case WriteTypeScan:
		return "Scan"
	case WriteTypeCacheEntry:
		return "CacheEntry"
	case WriteTypeFieldReport:
		return "FieldReport"
	default:
		return "Unknown"
	}
}

func (c *Config) withDefaults() {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
}

// NewClient opens the store, pings it and applies the schema.
func NewClient(ctx context.Context, config *Config, logger *zap.Logger) (*Client, error) {
	config.withDefaults()

	rawDB, err := sqlx.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if config.Driver == "sqlite3" {
		// single writer
		rawDB.SetMaxOpenConns(1)
	} else {
		rawDB.SetMaxOpenConns(config.MaxConnections)
		rawDB.SetMaxIdleConns(config.IdleConnections)
	}
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	client := NewClientFromDB(rawDB, config, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.db.PingContext(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("Database client initialized",
		zap.String("driver", config.Driver),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", client.workers),
	)
	return client, nil
}

// NewClientFromDB wraps an already open handle and starts the write workers.
func NewClientFromDB(rawDB *sqlx.DB, config *Config, logger *zap.Logger) *Client {
	if config == nil {
		config = &Config{Driver: rawDB.DriverName()}
	}
	config.withDefaults()
	client := &Client{
		db:         circuitbreaker.NewDatabaseWrapper(rawDB, logger),
		logger:     logger.Named("db"),
		config:     config,
		writeQueue: make(chan WriteRequest, config.QueueSize),
		workers:    config.Workers,
		stopCh:     make(chan struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
	client.startWorkers()
	return client
}

// startWorkers initializes the worker pool for async writes
func (c *Client) startWorkers() {
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
}

// writeWorker processes write requests from the queue
func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

// processWrite handles a single write request
func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.Type {
	case WriteTypeScan:
		if scan, ok := req.Data.(*Scan); ok {
			err = c.InsertScan(ctx, scan)
		}
	case WriteTypeCacheEntry:
		if entry, ok := req.Data.(*CacheEntry); ok {
			err = c.UpsertCacheEntry(ctx, entry)
		}
	case WriteTypeFieldReport:
		if report, ok := req.Data.(*FieldReport); ok {
			err = c.InsertFieldReport(ctx, report)
		}
	default:
		err = fmt.Errorf("unknown write type %d", req.Type)
	}

	if req.Callback != nil {
		req.Callback(err)
	}

	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

// drainQueue processes remaining requests during shutdown
func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue")
			return
		default:
			return
		}
	}
}

// QueueWrite adds a write request to the async queue. A full queue falls
// back to a synchronous write so nothing is dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case <-c.stopCh:
		c.processWrite(req)
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
	}
}

// Ping checks connectivity through the breaker.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close drains the write queue and closes the connection pool.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		c.logger.Info("Shutting down database client")
		close(c.stopCh)
	})
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health checks and monitoring
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
