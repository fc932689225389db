package utils

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/microclaw/microclaw/pkg/logger"
)

// MediaImage holds a base64-encoded image with its MIME type.
type MediaImage struct {
	MimeType   string
	Base64Data string
}

// IsImageFile checks if a file path has an image extension.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// DetectImageMimeType returns the MIME type for an image file based on extension.
func DetectImageMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return ""
}

// LoadAndEncodeImage reads an image file and returns its MIME type and
// base64-encoded data.
func LoadAndEncodeImage(path string) (mimeType, base64Data string, err error) {
	mimeType = DetectImageMimeType(path)
	if mimeType == "" {
		return "", "", fmt.Errorf("unsupported image type: %s", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("reading image %s: %w", path, err)
	}
	return mimeType, base64.StdEncoding.EncodeToString(data), nil
}

// ProcessMediaImages filters media paths to images and encodes each one.
// Non-image paths and unreadable files are skipped.
func ProcessMediaImages(paths []string) []MediaImage {
	var images []MediaImage
	for _, p := range paths {
		if !IsImageFile(p) {
			continue
		}
		mimeType, b64, err := LoadAndEncodeImage(p)
		if err != nil {
			logger.WarnCF("media", "Failed to encode image",
				map[string]interface{}{"path": p, "error": err.Error()})
			continue
		}
		images = append(images, MediaImage{MimeType: mimeType, Base64Data: b64})
	}
	return images
}

// SanitizeFilename strips path components and traversal sequences from a
// filename so it is safe to join into a local directory.
func SanitizeFilename(filename string) string {
	base := filepath.Base(filename)
	base = strings.ReplaceAll(base, "..", "")
	base = strings.ReplaceAll(base, "/", "_")
	base = strings.ReplaceAll(base, "\\", "_")
	return base
}

// DownloadOptions holds optional parameters for downloading files.
type DownloadOptions struct {
	Timeout      time.Duration
	ExtraHeaders map[string]string
	LoggerPrefix string
}

// DownloadFile downloads a file from url into a local temp directory and
// returns the local path, or "" on error. Channels use this to stage incoming
// attachments before handing paths to the agent.
func DownloadFile(url, filename string, opts DownloadOptions) string {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.LoggerPrefix == "" {
		opts.LoggerPrefix = "utils"
	}

	mediaDir := filepath.Join(os.TempDir(), "microclaw_media")
	if err := os.MkdirAll(mediaDir, 0700); err != nil {
		logger.ErrorCF(opts.LoggerPrefix, "Failed to create media directory",
			map[string]interface{}{"error": err.Error()})
		return ""
	}

	safeName := SanitizeFilename(filename)
	localPath := filepath.Join(mediaDir, uuid.New().String()[:8]+"_"+safeName)

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		logger.ErrorCF(opts.LoggerPrefix, "Failed to create download request",
			map[string]interface{}{"error": err.Error()})
		return ""
	}
	for key, value := range opts.ExtraHeaders {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: opts.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		logger.ErrorCF(opts.LoggerPrefix, "Failed to download file",
			map[string]interface{}{"error": err.Error(), "url": url})
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.ErrorCF(opts.LoggerPrefix, "File download returned non-200 status",
			map[string]interface{}{"status": resp.StatusCode, "url": url})
		return ""
	}

	out, err := os.Create(localPath)
	if err != nil {
		logger.ErrorCF(opts.LoggerPrefix, "Failed to create local file",
			map[string]interface{}{"error": err.Error()})
		return ""
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(localPath)
		logger.ErrorCF(opts.LoggerPrefix, "Failed to write file",
			map[string]interface{}{"error": err.Error()})
		return ""
	}

	return localPath
}

// DownloadFileSimple downloads with default options.
func DownloadFileSimple(url, filename string) string {
	return DownloadFile(url, filename, DownloadOptions{LoggerPrefix: "media"})
}
