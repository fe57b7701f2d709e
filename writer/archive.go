package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "bidflow/config"
	"bidflow/logger"
	"bidflow/models"
)

// BidRecord is one row of an archived auction. Amounts are kept as decimal
// strings so no precision is lost.
type BidRecord struct {
	BidID      string `parquet:"name=bid_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AuctionID  string `parquet:"name=auction_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidderID   string `parquet:"name=bidder_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidderName string `parquet:"name=bidder_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  int64  `parquet:"name=created_at, type=INT64"`
	Sequence   int32  `parquet:"name=sequence, type=INT32"`
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

// Seek only reports the current size; the writer never seeks backwards.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BidLister reads an auction's accepted bids in acceptance order.
type BidLister interface {
	ListBids(ctx context.Context, auctionID string) ([]models.Bid, error)
}

// BidArchive exports the bid stream of a closed auction to S3 as parquet.
type BidArchive struct {
	cfg     appconfig.S3Config
	version string
	bids    BidLister
	client  objectPutter
	now     func() time.Time
	log     *logger.Log
}

func NewBidArchive(ctx context.Context, cfg *appconfig.Config, bids BidLister) (*BidArchive, error) {
	log := logger.GetLogger()
	s3cfg := cfg.Storage.S3

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(s3cfg.Region),
	}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s3cfg.AccessKeyID,
				s3cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	log.WithComponent("bid_archive").WithFields(logger.Fields{
		"bucket":     s3cfg.Bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("bid archive initialized")

	return newBidArchive(s3cfg, cfg.Bidflow.Version, bids, client), nil
}

func newBidArchive(cfg appconfig.S3Config, version string, bids BidLister, client objectPutter) *BidArchive {
	return &BidArchive{
		cfg:     cfg,
		version: version,
		bids:    bids,
		client:  client,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
}

// Archive uploads every bid of the auction. Auctions without bids are
// skipped.
func (a *BidArchive) Archive(ctx context.Context, auctionID string) error {
	bids, err := a.bids.ListBids(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("list bids for archive: %w", err)
	}
	if len(bids) == 0 {
		a.log.WithComponent("bid_archive").WithField("auction_id", auctionID).Debug("no bids to archive")
		return nil
	}

	data, err := encodeBids(bids, a.cfg.Compression)
	if err != nil {
		return err
	}

	key := a.objectKey(auctionID)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":    "parquet",
			"compression":     a.cfg.Compression,
			"bidflow-version": a.version,
			"bid-count":       fmt.Sprintf("%d", len(bids)),
		},
	}
	if _, err := a.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}

	a.log.WithComponent("bid_archive").WithFields(logger.Fields{
		"auction_id": auctionID,
		"bids":       len(bids),
		"bytes":      len(data),
		"s3_key":     key,
	}).Info("auction bids archived")
	return nil
}

func (a *BidArchive) objectKey(auctionID string) string {
	ts := a.now().UTC()
	return path.Join(
		a.cfg.Prefix,
		"auction_id="+auctionID,
		fmt.Sprintf("bids_%s.parquet", ts.Format("20060102T150405Z")),
	)
}

func encodeBids(bids []models.Bid, compression string) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(BidRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for i, b := range bids {
		record := BidRecord{
			BidID:      b.ID,
			AuctionID:  b.AuctionID,
			BidderID:   b.BidderID,
			BidderName: b.BidderName,
			Amount:     b.Amount.String(),
			CreatedAt:  b.CreatedAt.UnixMilli(),
			Sequence:   int32(i + 1),
		}
		if err := pw.Write(record); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
