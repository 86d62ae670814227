package audit

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "balanceflow/config"
	"balanceflow/logger"
)

// orderRecord is the parquet row layout of an archived order intent.
type orderRecord struct {
	ID            string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisbalanceID  string  `parquet:"name=disbalance_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Venue         string  `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset         string  `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpectedPrice float64 `parquet:"name=expected_price, type=DOUBLE"`
	ExpectedSize  float64 `parquet:"name=expected_size, type=DOUBLE"`
	ExpectedUSD   float64 `parquet:"name=expected_usd, type=DOUBLE"`
	ExpectedFee   float64 `parquet:"name=expected_fee, type=DOUBLE"`
	OrderID       string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PlacedAtMs    int64   `parquet:"name=placed_at, type=INT64"`
	LatencyMs     int64   `parquet:"name=latency_ms, type=INT64"`
	Env           string  `parquet:"name=env, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface over an
// in-memory buffer so files never touch local disk before upload.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// ArchiveWriter buffers order intents and flushes them as parquet files
// to S3 on a fixed interval, partitioned by date for downstream
// reconciliation queries.
type ArchiveWriter struct {
	config   *appconfig.Config
	channels *Channels
	s3Client *s3.Client

	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	buffer      []OrderIntentEvent
	flushTicker *time.Ticker
	log         *logger.Log
}

// NewArchiveWriter builds the writer and validates AWS credentials.
func NewArchiveWriter(cfg *appconfig.Config, channels *Channels) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	ac := cfg.Audit.Archive

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(ac.Region),
	}
	if ac.AccessKeyID != "" && ac.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKeyID, ac.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	aw := &ArchiveWriter{
		config:   cfg,
		channels: channels,
		s3Client: s3.NewFromConfig(awsCfg),
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	channels.EnableArchive()

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket": ac.Bucket,
		"region": ac.Region,
		"prefix": ac.Prefix,
	}).Info("archive writer initialized")
	return aw, nil
}

// Start launches the collector and flush goroutines.
func (aw *ArchiveWriter) Start(ctx context.Context) error {
	aw.mu.Lock()
	if aw.running {
		aw.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	aw.running = true
	aw.ctx = ctx
	aw.mu.Unlock()

	interval := aw.config.Audit.Archive.FlushInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	aw.flushTicker = time.NewTicker(interval)

	aw.wg.Add(2)
	go aw.collector()
	go aw.flushWorker()

	aw.log.WithComponent("archive_writer").Info("archive writer started")
	return nil
}

// Stop waits for the workers after the context is cancelled.
func (aw *ArchiveWriter) Stop() {
	aw.mu.Lock()
	aw.running = false
	aw.mu.Unlock()

	if aw.flushTicker != nil {
		aw.flushTicker.Stop()
	}

	aw.log.WithComponent("archive_writer").Info("stopping archive writer")
	aw.wg.Wait()
	aw.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (aw *ArchiveWriter) collector() {
	defer aw.wg.Done()

	for {
		select {
		case <-aw.ctx.Done():
			return
		case event, ok := <-aw.channels.ArchiveChan:
			if !ok {
				return
			}
			aw.mu.Lock()
			aw.buffer = append(aw.buffer, event)
			aw.mu.Unlock()
		}
	}
}

func (aw *ArchiveWriter) flushWorker() {
	defer aw.wg.Done()

	for {
		select {
		case <-aw.ctx.Done():
			aw.flush("shutdown")
			return
		case <-aw.flushTicker.C:
			aw.flush("interval")
		}
	}
}

func (aw *ArchiveWriter) flush(reason string) {
	aw.mu.Lock()
	events := aw.buffer
	aw.buffer = nil
	aw.mu.Unlock()

	if len(events) == 0 {
		return
	}

	log := aw.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"events": len(events),
		"reason": reason,
	})

	data, err := buildParquet(events)
	if err != nil {
		log.WithError(err).Error("failed to build parquet file")
		return
	}

	key := aw.objectKey(time.Now().UTC())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = aw.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(aw.config.Audit.Archive.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		log.WithError(err).WithField("s3_key", key).Error("failed to upload archive file")
		return
	}

	log.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("order archive flushed")
}

func (aw *ArchiveWriter) objectKey(ts time.Time) string {
	key := filepath.Join(
		aw.config.Audit.Archive.Prefix,
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("orders_%s.parquet", ts.Format("20060102150405")),
	)
	return filepath.ToSlash(key)
}

// buildParquet renders order intents as an in-memory parquet file.
func buildParquet(events []OrderIntentEvent) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(orderRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, event := range events {
		record := orderRecord{
			ID:            event.ID,
			DisbalanceID:  event.DisbalanceID,
			Venue:         event.Venue,
			Asset:         event.Asset,
			Symbol:        event.Symbol,
			Side:          event.Side,
			ExpectedPrice: event.ExpectedPrice,
			ExpectedSize:  event.ExpectedSize,
			ExpectedUSD:   event.ExpectedUSD,
			ExpectedFee:   event.ExpectedFee,
			OrderID:       event.OrderID,
			PlacedAtMs:    event.PlacedAt.UnixMilli(),
			LatencyMs:     event.OneWayLatency.Milliseconds(),
			Env:           event.Env,
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
