package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Blackbird-3/HireFlow/internal/config"
	"github.com/Blackbird-3/HireFlow/internal/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadCVFile 上传原始简历文件，返回对象键
	UploadCVFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error)

	// UploadCVFileStreaming 流式上传并同时计算MD5，返回对象键和MD5
	UploadCVFileStreaming(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, string, error)

	// UploadParsedText 上传解析后的纯文本，返回对象键
	UploadParsedText(ctx context.Context, candidateID string, text string) (string, error)

	// GetCVFile 下载原始简历文件
	GetCVFile(ctx context.Context, objectKey string) ([]byte, error)

	// GetParsedText 下载解析后的纯文本
	GetParsedText(ctx context.Context, objectKey string) (string, error)

	// GetPresignedURL 生成原始简历的预签名下载URL
	GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)

	// DeleteCVFile 删除原始简历文件
	DeleteCVFile(ctx context.Context, objectKey string) error

	// DeleteParsedText 删除解析后的文本
	DeleteParsedText(ctx context.Context, objectKey string) error
}

var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供简历文件和解析文本的对象存储
type MinIO struct {
	client         *minio.Client
	cfg            *config.MinIOConfig
	originalBucket string
	parsedBucket   string
}

// NewMinIO 创建MinIO客户端并确保存储桶存在
func NewMinIO(ctx context.Context, cfg *config.MinIOConfig) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	originalBucket := cfg.OriginalsBucket
	if originalBucket == "" {
		originalBucket = "cv-originals"
	}
	parsedBucket := cfg.ParsedTextBucket
	if parsedBucket == "" {
		parsedBucket = "cv-parsed-text"
	}

	m := &MinIO{
		client:         client,
		cfg:            cfg,
		originalBucket: originalBucket,
		parsedBucket:   parsedBucket,
	}

	if err := m.ensureBucketExists(ctx, originalBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保原始简历存储桶 %s 存在失败: %w", originalBucket, err)
	}
	if err := m.ensureBucketExists(ctx, parsedBucket, cfg.Location); err != nil {
		return nil, fmt.Errorf("确保解析文本存储桶 %s 存在失败: %w", parsedBucket, err)
	}

	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Str("originals_bucket", originalBucket).
		Str("parsed_bucket", parsedBucket).
		Msg("MinIO客户端初始化完成")
	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context, bucketName, location string) error {
	exists, err := m.client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: location}); err != nil {
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		logger.Info().Str("bucket", bucketName).Msg("已创建MinIO存储桶")
	}
	return nil
}

// cvObjectKey 原始简历对象键: cv/{candidateID}/original{ext}
func cvObjectKey(candidateID, fileExt string) string {
	return fmt.Sprintf("cv/%s/original%s", candidateID, fileExt)
}

// parsedTextObjectKey 解析文本对象键: cv/{candidateID}/parsed_text.txt
func parsedTextObjectKey(candidateID string) string {
	return fmt.Sprintf("cv/%s/parsed_text.txt", candidateID)
}

// UploadCVFile 上传原始简历文件到originalsBucket
func (m *MinIO) UploadCVFile(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, error) {
	objectKey := cvObjectKey(candidateID, fileExt)
	contentType := contentTypeForExt(fileExt)

	_, err := m.client.PutObject(ctx, m.originalBucket, objectKey, reader, fileSize,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.originalBucket, objectKey, err)
	}

	logger.Debug().
		Str("candidate_id", candidateID).
		Str("object_key", objectKey).
		Int64("size", fileSize).
		Msg("已上传原始简历文件")
	return objectKey, nil
}

// UploadCVFileStreaming 流式上传简历文件并同时计算MD5
func (m *MinIO) UploadCVFileStreaming(ctx context.Context, candidateID, fileExt string, reader io.Reader, fileSize int64) (string, string, error) {
	objectKey := cvObjectKey(candidateID, fileExt)
	contentType := contentTypeForExt(fileExt)

	md5Hash := md5.New()
	teeReader := io.TeeReader(reader, md5Hash)

	info, err := m.client.PutObject(ctx, m.originalBucket, objectKey, teeReader, fileSize,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", fmt.Errorf("流式上传文件到MinIO失败: %w", err)
	}

	md5Hex := hex.EncodeToString(md5Hash.Sum(nil))
	logger.Debug().
		Str("candidate_id", candidateID).
		Str("object_key", objectKey).
		Str("etag", info.ETag).
		Str("md5", md5Hex).
		Msg("已流式上传原始简历文件")
	return objectKey, md5Hex, nil
}

// UploadParsedText 上传解析后的文本到parsedBucket
func (m *MinIO) UploadParsedText(ctx context.Context, candidateID string, text string) (string, error) {
	objectKey := parsedTextObjectKey(candidateID)

	_, err := m.client.PutObject(ctx, m.parsedBucket, objectKey, strings.NewReader(text), int64(len(text)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return "", fmt.Errorf("上传解析文本 %s 到存储桶 %s 失败: %w", objectKey, m.parsedBucket, err)
	}
	return objectKey, nil
}

// GetCVFile 从originalsBucket下载原始简历文件
func (m *MinIO) GetCVFile(ctx context.Context, objectKey string) ([]byte, error) {
	return m.downloadObject(ctx, m.originalBucket, objectKey)
}

// GetParsedText 从parsedBucket下载解析后的文本
func (m *MinIO) GetParsedText(ctx context.Context, objectKey string) (string, error) {
	data, err := m.downloadObject(ctx, m.parsedBucket, objectKey)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *MinIO) downloadObject(ctx context.Context, bucketName, objectKey string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", bucketName, objectKey, err)
	}
	defer obj.Close()

	// Stat先行，对象不存在时在读取前就报错
	if _, err := obj.Stat(); err != nil {
		return nil, fmt.Errorf("获取对象 %s/%s 状态失败: %w", bucketName, objectKey, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", bucketName, objectKey, err)
	}
	return data, nil
}

// GetPresignedURL 生成原始简历的预签名下载URL
func (m *MinIO) GetPresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	presignedURL, err := m.client.PresignedGetObject(ctx, m.originalBucket, objectKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return presignedURL.String(), nil
}

// DeleteCVFile 删除原始简历文件
func (m *MinIO) DeleteCVFile(ctx context.Context, objectKey string) error {
	if err := m.client.RemoveObject(ctx, m.originalBucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectKey, err)
	}
	return nil
}

// DeleteParsedText 删除解析后的文本
func (m *MinIO) DeleteParsedText(ctx context.Context, objectKey string) error {
	if err := m.client.RemoveObject(ctx, m.parsedBucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("删除解析文本 %s 失败: %w", objectKey, err)
	}
	return nil
}

// UploadBytes 从内存字节上传到原始存储桶的任意对象键，测试和工具用
func (m *MinIO) UploadBytes(ctx context.Context, objectKey string, data []byte, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.originalBucket, objectKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.originalBucket, objectKey, err)
	}
	return objectKey, nil
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
