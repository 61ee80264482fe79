// Package snapshot ships encrypted copies of the ledger database to
// S3-compatible storage.
package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/brewpoints/internal/model"
)

var (
	ErrDisabled = errors.New("snapshot: s3 storage not configured")
	ErrNotFound = errors.New("snapshot: not found")
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Store interface {
	Create(ctx context.Context, filename, objectKey string) (*model.Snapshot, error)
	GetByID(ctx context.Context, id int64) (*model.Snapshot, error)
	UpdateStatus(ctx context.Context, id int64, status model.SnapshotStatus, errorMsg string) error
	MarkCompleted(ctx context.Context, id, sizeBytes int64) error
	DeleteOlderThan(ctx context.Context, before time.Time) ([]string, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

type Config struct {
	S3            S3Config
	Passphrase    string
	RetentionDays int
	Prefix        string
}

func (c Config) enabled() bool {
	return c.S3.Bucket != "" && c.S3.AccessKey != "" && c.S3.SecretKey != "" && c.Passphrase != ""
}

// Manager takes, prunes and restores snapshots.
type Manager struct {
	cfg     Config
	db      *sql.DB
	records Store
	client  s3Client
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(cfg Config, db *sql.DB, records Store, logger *slog.Logger) *Manager {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "snapshots"
	}
	m := &Manager{
		cfg:     cfg,
		db:      db,
		records: records,
		logger:  logger.With("component", "snapshot"),
		now:     time.Now,
	}
	if cfg.enabled() {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Enabled() bool {
	return m.client != nil
}

// Run copies the live database with VACUUM INTO, encrypts the copy and
// uploads it.
func (m *Manager) Run(ctx context.Context) (*model.Snapshot, error) {
	if m.client == nil {
		return nil, ErrDisabled
	}

	filename := fmt.Sprintf("brewpoints-%s.db.enc", m.now().UTC().Format("2006-01-02T150405Z"))
	key := m.cfg.Prefix + "/" + filename

	record, err := m.records.Create(ctx, filename, key)
	if err != nil {
		return nil, fmt.Errorf("create snapshot record: %w", err)
	}
	fail := func(stage string, err error) (*model.Snapshot, error) {
		if uerr := m.records.UpdateStatus(ctx, record.ID, model.SnapshotStatusFailed, err.Error()); uerr != nil {
			m.logger.Error("mark snapshot failed", "id", record.ID, "error", uerr)
		}
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	if err := m.records.UpdateStatus(ctx, record.ID, model.SnapshotStatusUploading, ""); err != nil {
		return fail("update snapshot status", err)
	}

	dir, err := os.MkdirTemp("", "brewpoints-snapshot-")
	if err != nil {
		return fail("create temp dir", err)
	}
	defer os.RemoveAll(dir)

	copyPath := filepath.Join(dir, "brewpoints.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, copyPath); err != nil {
		return fail("copy database", err)
	}
	plaintext, err := os.ReadFile(copyPath)
	if err != nil {
		return fail("read database copy", err)
	}

	sealed, err := Seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return fail("encrypt", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return fail("upload to s3", err)
	}

	if err := m.records.MarkCompleted(ctx, record.ID, int64(len(sealed))); err != nil {
		return nil, err
	}
	m.logger.Info("snapshot uploaded", "id", record.ID, "key", key, "bytes", len(sealed))
	return m.records.GetByID(ctx, record.ID)
}

// Cleanup deletes snapshots older than the retention period and returns
// how many records were pruned. Object deletion failures are logged only.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	if m.client == nil {
		return 0, nil
	}

	before := m.now().UTC().AddDate(0, 0, -m.cfg.RetentionDays)
	keys, err := m.records.DeleteOlderThan(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("delete old snapshots: %w", err)
	}

	for _, key := range keys {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete snapshot object", "key", key, "error", err)
		}
	}
	return len(keys), nil
}

// Restore downloads and decrypts snapshot id into dstPath, which must not
// exist, and checks the result is an intact SQLite database. It never
// touches the live database.
func (m *Manager) Restore(ctx context.Context, id int64, dstPath string) error {
	if m.client == nil {
		return ErrDisabled
	}

	record, err := m.records.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("get snapshot: %w", err)
	}
	if record == nil || record.Status != model.SnapshotStatusCompleted {
		return fmt.Errorf("snapshot %d: %w", id, ErrNotFound)
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(record.ObjectKey),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	plaintext, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create restore target: %w", err)
	}
	if _, err := f.Write(plaintext); err != nil {
		f.Close()
		return fmt.Errorf("write restore target: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close restore target: %w", err)
	}

	return checkIntegrity(ctx, dstPath)
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if integrity != "ok" {
		return fmt.Errorf("integrity check failed: %s", integrity)
	}
	return nil
}
