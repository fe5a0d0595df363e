// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nishisan-dev/n-upload/internal/config"
)

// ObjectPutter é o subconjunto do cliente S3 usado pelo Archiver.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client cria o cliente S3 a partir da seção archive da configuração.
// Sem access_key, usa a cadeia padrão de credenciais do SDK.
func NewS3Client(ctx context.Context, cfg config.ArchiveConfig) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// Archiver copia sinks concluídos para um bucket, um de cada vez, numa goroutine própria.
type Archiver struct {
	client      ObjectPutter
	bucket      string
	prefix      string
	removeLocal bool
	outputDir   string
	logger      *slog.Logger
	events      EventPublisher
	metrics     *Metrics

	mu     sync.Mutex
	queue  chan UploadInfo
	closed bool
	wg     sync.WaitGroup
}

// NewArchiver cria um Archiver. outputDir é a raiz dos sinks; a chave do objeto
// reproduz o caminho relativo a ela sob archive.prefix.
func NewArchiver(client ObjectPutter, cfg config.ArchiveConfig, outputDir string, logger *slog.Logger, events EventPublisher, metrics *Metrics) *Archiver {
	if events == nil {
		events = nopEvents{}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Archiver{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		removeLocal: cfg.RemoveLocal,
		outputDir:   outputDir,
		logger:      logger,
		events:      events,
		metrics:     metrics,
		queue:       make(chan UploadInfo, queueSize),
	}
}

// Start inicia o worker. ctx cancela o envio em andamento.
func (a *Archiver) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for info := range a.queue {
			a.archive(ctx, info)
		}
	}()
}

// Enqueue agenda a cópia de um upload concluído. Não bloqueia: com a fila cheia
// (ou o Archiver parado) o upload não é arquivado e o retorno é false.
func (a *Archiver) Enqueue(info UploadInfo) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.queue <- info:
		return true
	default:
		a.logger.Warn("archive queue full, skipping upload", "upload_id", info.UploadID, "sink", info.SinkPath)
		a.metrics.archiveResult(false)
		return false
	}
}

// Stop fecha a fila e aguarda o worker drenar os itens pendentes.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// ObjectKey retorna a chave do objeto para um sink.
func (a *Archiver) ObjectKey(info UploadInfo) string {
	rel, err := filepath.Rel(a.outputDir, info.SinkPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Join(info.ClientID, filepath.Base(info.SinkPath))
	}
	return path.Join(a.prefix, filepath.ToSlash(rel))
}

func (a *Archiver) archive(ctx context.Context, info UploadInfo) {
	logger := a.logger.With("client_id", info.ClientID, "upload_id", info.UploadID)
	key := a.ObjectKey(info)

	if err := a.put(ctx, info, key); err != nil {
		a.metrics.archiveResult(false)
		logger.Error("archive failed", "bucket", a.bucket, "key", key, "error", err)
		a.events.PushEvent("error", "archive_failed", info.ClientID, fmt.Sprintf("upload %s not archived: %v", info.UploadID, err))
		return
	}

	a.metrics.archiveResult(true)
	logger.Info("upload archived", "bucket", a.bucket, "key", key)
	a.events.PushEvent("info", "archived", info.ClientID, fmt.Sprintf("upload %s archived to s3://%s/%s", info.UploadID, a.bucket, key))

	if a.removeLocal {
		if err := os.Remove(info.SinkPath); err != nil {
			logger.Warn("removing archived sink", "sink", info.SinkPath, "error", err)
		}
	}
}

func (a *Archiver) put(ctx context.Context, info UploadInfo, key string) error {
	f, err := os.Open(info.SinkPath)
	if err != nil {
		return fmt.Errorf("opening sink: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat sink: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
		Metadata: map[string]string{
			"client-id":          info.ClientID,
			"upload-id":          info.UploadID,
			"checksum":           info.Digest.Hex,
			"checksum-algorithm": string(info.Digest.Algorithm),
			"source-path":        info.FilePath,
		},
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
