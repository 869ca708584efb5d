// Package blob provides Supabase Storage-based blob storage.
// This replaces JAM's PostgreSQL bytea storage with Supabase Storage.
package blob

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/R3E-Network/agent-orchestrator/pkg/supabase"
)

// Storage provides blob storage operations via Supabase Storage.
type Storage struct {
	client     *supabase.Client
	bucketName string
}

// NewStorage creates a new Supabase Storage-based blob storage.
func NewStorage(client *supabase.Client, bucketName string) *Storage {
	if bucketName == "" {
		bucketName = "blobs"
	}
	return &Storage{
		client:     client,
		bucketName: bucketName,
	}
}

// Upload uploads a blob to Supabase Storage.
func (s *Storage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.client.UploadFile(ctx, s.bucketName, sanitizeKey(key), bytes.NewReader(data), contentType)
}

// UploadReader uploads a blob from an io.Reader.
func (s *Storage) UploadReader(ctx context.Context, key string, reader io.Reader, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return s.client.UploadFile(ctx, s.bucketName, sanitizeKey(key), reader, contentType)
}

// Download downloads a blob from Supabase Storage.
func (s *Storage) Download(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.DownloadFile(ctx, s.bucketName, sanitizeKey(key))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// DownloadReader returns an io.ReadCloser for streaming downloads.
func (s *Storage) DownloadReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.client.DownloadFile(ctx, s.bucketName, sanitizeKey(key))
}

// Delete removes a blob from Supabase Storage.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.client.DeleteFile(ctx, s.bucketName, sanitizeKey(key))
}

// GetPublicURL returns the public URL for a blob.
func (s *Storage) GetPublicURL(key string) string {
	return s.client.GetPublicURL(s.bucketName, sanitizeKey(key))
}

// Exists checks if a blob exists.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	reader, err := s.client.DownloadFile(ctx, s.bucketName, sanitizeKey(key))
	if err != nil {
		// Check if it's a not found error
		if strings.Contains(err.Error(), "404") || strings.Contains(err.Error(), "not found") {
			return false, nil
		}
		return false, err
	}
	reader.Close()
	return true, nil
}

// ============================================================================
// Project-Scoped Storage
// ============================================================================

// ProjectStorage provides project-isolated blob storage for run attachments
// and sandbox workspace snapshots.
type ProjectStorage struct {
	client    *supabase.Client
	projectID string
}

// NewProjectStorage creates a project-scoped storage handle.
func NewProjectStorage(client *supabase.Client, projectID string) *ProjectStorage {
	return &ProjectStorage{
		client:    client,
		projectID: projectID,
	}
}

// Upload uploads a file to the project's storage.
func (t *ProjectStorage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	fullKey := t.projectKey(key)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return t.client.UploadFile(ctx, "project-files", fullKey, bytes.NewReader(data), contentType)
}

// Download downloads a file from the project's storage.
func (t *ProjectStorage) Download(ctx context.Context, key string) ([]byte, error) {
	fullKey := t.projectKey(key)
	reader, err := t.client.DownloadFile(ctx, "project-files", fullKey)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// Delete removes a file from the project's storage.
func (t *ProjectStorage) Delete(ctx context.Context, key string) error {
	fullKey := t.projectKey(key)
	return t.client.DeleteFile(ctx, "project-files", fullKey)
}

// GetPublicURL returns the public URL for a project file.
func (t *ProjectStorage) GetPublicURL(key string) string {
	fullKey := t.projectKey(key)
	return t.client.GetPublicURL("project-files", fullKey)
}

func (t *ProjectStorage) projectKey(key string) string {
	return path.Join(t.projectID, sanitizeKey(key))
}

// ============================================================================
// Helpers
// ============================================================================

func sanitizeKey(key string) string {
	// Remove leading slashes and sanitize path
	key = strings.TrimPrefix(key, "/")
	key = path.Clean(key)
	// Prevent directory traversal
	key = strings.ReplaceAll(key, "..", "_")
	return key
}
