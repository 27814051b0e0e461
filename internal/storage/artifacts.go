package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// ArtifactBackend defines the type of artifact storage backend
type ArtifactBackend string

const (
	ArtifactBackendLocal ArtifactBackend = "local"
	ArtifactBackendS3    ArtifactBackend = "s3"
	ArtifactBackendMinIO ArtifactBackend = "minio"
)

// Artifact kinds written for every run
const (
	KindLoss     = "loss"
	KindAccuracy = "acc"
	KindModel    = "model"
)

// ErrChecksumMismatch is returned when a stored artifact fails verification
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// ArtifactConfig holds configuration for artifact storage
type ArtifactConfig struct {
	Backend ArtifactBackend

	// Local storage config
	LocalPath string

	// S3/MinIO config
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// DefaultArtifactConfig returns default storage configuration
func DefaultArtifactConfig() *ArtifactConfig {
	return &ArtifactConfig{
		Backend:   ArtifactBackendLocal,
		LocalPath: "/var/lib/coordinator/runs",
		Region:    "us-east-1",
		Bucket:    "coordinator-runs",
		UseSSL:    true,
	}
}

// RunArtifacts is what a finished run leaves behind
type RunArtifacts struct {
	LossHistory [][]float64
	AccHistory  [][]float64
	Model       []float64
}

// ArtifactInfo describes one stored artifact
type ArtifactInfo struct {
	Kind      string `json:"kind"`
	Path      string `json:"path"`
	Checksum  string `json:"checksum"`
	SizeBytes int    `json:"size_bytes"`
}

// ArtifactStore writes run artifacts to the local filesystem or S3/MinIO
type ArtifactStore struct {
	config   *ArtifactConfig
	s3Client *s3.Client
}

// NewArtifactStore creates a new artifact store
func NewArtifactStore(ctx context.Context, cfg *ArtifactConfig) (*ArtifactStore, error) {
	if cfg == nil {
		cfg = DefaultArtifactConfig()
	}

	s := &ArtifactStore{config: cfg}

	switch cfg.Backend {
	case ArtifactBackendLocal:
		if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create local storage directory: %w", err)
		}
		slog.Info("Initialized local artifact storage", "path", cfg.LocalPath)

	case ArtifactBackendS3, ArtifactBackendMinIO:
		client, err := s.createS3Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		s.s3Client = client
		slog.Info("Initialized S3/MinIO artifact storage",
			"endpoint", cfg.Endpoint,
			"bucket", cfg.Bucket,
		)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}

	return s, nil
}

// createS3Client creates an S3 client for S3 or MinIO
func (s *ArtifactStore) createS3Client(ctx context.Context) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error

	opts = append(opts, config.WithRegion(s.config.Region))

	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				s.config.AccessKeyID,
				s.config.SecretAccessKey,
				"",
			),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if s.config.Endpoint != "" {
		endpoint := s.config.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https://"
			if !s.config.UseSSL {
				scheme = "http://"
			}
			endpoint = scheme + endpoint
		}
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return s3.NewFromConfig(cfg, clientOpts...), nil
}

// SaveRun writes the loss history, accuracy history and final model of a run
func (s *ArtifactStore) SaveRun(ctx context.Context, runName string, run RunArtifacts) ([]ArtifactInfo, error) {
	items := []struct {
		kind string
		rows [][]float64
	}{
		{KindLoss, run.LossHistory},
		{KindAccuracy, run.AccHistory},
		{KindModel, [][]float64{run.Model}},
	}

	infos := make([]ArtifactInfo, 0, len(items))
	for _, item := range items {
		data, err := encodeMatrix(item.rows)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s artifact: %w", item.kind, err)
		}
		info, err := s.store(ctx, artifactName(item.kind, runName), data)
		if err != nil {
			return nil, err
		}
		info.Kind = item.kind
		infos = append(infos, info)
	}
	return infos, nil
}

// LoadMatrix reads a history artifact back
func (s *ArtifactStore) LoadMatrix(ctx context.Context, kind, runName string) ([][]float64, error) {
	data, err := s.load(ctx, artifactName(kind, runName))
	if err != nil {
		return nil, err
	}
	return decodeMatrix(data)
}

// LoadModel reads the final model of a run back
func (s *ArtifactStore) LoadModel(ctx context.Context, runName string) ([]float64, error) {
	rows, err := s.LoadMatrix(ctx, KindModel, runName)
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, fmt.Errorf("model artifact has %d rows, expected 1", len(rows))
	}
	return rows[0], nil
}

func artifactName(kind, runName string) string {
	return fmt.Sprintf("%s_%s.bin", kind, runName)
}

func (s *ArtifactStore) store(ctx context.Context, name string, data []byte) (ArtifactInfo, error) {
	checksum := calculateChecksum(data)
	info := ArtifactInfo{Checksum: checksum, SizeBytes: len(data)}

	switch s.config.Backend {
	case ArtifactBackendLocal:
		path := filepath.Join(s.config.LocalPath, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return info, fmt.Errorf("failed to write artifact file: %w", err)
		}
		if err := os.WriteFile(path+".sha256", []byte(checksum), 0644); err != nil {
			return info, fmt.Errorf("failed to write artifact checksum: %w", err)
		}
		info.Path = path

	case ArtifactBackendS3, ArtifactBackendMinIO:
		key := "runs/" + name
		sum := sha256.Sum256(data)
		_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:         aws.String(s.config.Bucket),
			Key:            aws.String(key),
			Body:           bytes.NewReader(data),
			ContentType:    aws.String("application/octet-stream"),
			ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
			ContentLength:  aws.Int64(int64(len(data))),
			Metadata:       map[string]string{"sha256": checksum},
		})
		if err != nil {
			return info, fmt.Errorf("failed to upload artifact to S3: %w", err)
		}
		info.Path = fmt.Sprintf("s3://%s/%s", s.config.Bucket, key)

	default:
		return info, fmt.Errorf("unsupported storage backend: %s", s.config.Backend)
	}

	slog.Info("Stored run artifact",
		"path", info.Path,
		"size_bytes", info.SizeBytes,
		"checksum", checksum,
	)
	return info, nil
}

func (s *ArtifactStore) load(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	var expected string

	switch s.config.Backend {
	case ArtifactBackendLocal:
		path := filepath.Join(s.config.LocalPath, name)
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read artifact file: %w", err)
		}
		if sum, err := os.ReadFile(path + ".sha256"); err == nil {
			expected = strings.TrimSpace(string(sum))
		}

	case ArtifactBackendS3, ArtifactBackendMinIO:
		result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.config.Bucket),
			Key:    aws.String("runs/" + name),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get artifact from S3: %w", err)
		}
		defer result.Body.Close()

		if data, err = io.ReadAll(result.Body); err != nil {
			return nil, fmt.Errorf("failed to read artifact data: %w", err)
		}
		expected = result.Metadata["sha256"]

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", s.config.Backend)
	}

	if expected != "" && !VerifyChecksum(data, expected) {
		return nil, fmt.Errorf("%s: %w", name, ErrChecksumMismatch)
	}
	return data, nil
}

// VerifyChecksum verifies the checksum of stored data
func VerifyChecksum(data []byte, expectedChecksum string) bool {
	return calculateChecksum(data) == expectedChecksum
}

// calculateChecksum calculates SHA256 checksum of data
func calculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// encodeMatrix lays rows out as uint32 rows, uint32 cols and float64 values,
// little endian, snappy compressed
func encodeMatrix(rows [][]float64) ([]byte, error) {
	cols := 0
	if len(rows) > 0 {
		cols = len(rows[0])
	}
	raw := make([]byte, 8+8*len(rows)*cols)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(len(rows)))
	binary.LittleEndian.PutUint32(raw[4:8], uint32(cols))

	off := 8
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d values, expected %d", i, len(row), cols)
		}
		for _, v := range row {
			binary.LittleEndian.PutUint64(raw[off:off+8], math.Float64bits(v))
			off += 8
		}
	}
	return snappy.Encode(nil, raw), nil
}

func decodeMatrix(data []byte) ([][]float64, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress artifact: %w", err)
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("artifact too short: %d bytes", len(raw))
	}
	nRows := int(binary.LittleEndian.Uint32(raw[0:4]))
	nCols := int(binary.LittleEndian.Uint32(raw[4:8]))
	if want := 8 + 8*nRows*nCols; len(raw) != want {
		return nil, fmt.Errorf("artifact has %d bytes, expected %d", len(raw), want)
	}

	rows := make([][]float64, nRows)
	off := 8
	for i := range rows {
		rows[i] = make([]float64, nCols)
		for j := range rows[i] {
			rows[i][j] = math.Float64frombits(binary.LittleEndian.Uint64(raw[off : off+8]))
			off += 8
		}
	}
	return rows, nil
}
