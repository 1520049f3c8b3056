package utils

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"faceswap_access/config"
	"faceswap_access/models"
)

// imageExtensions are the archive entries picked up for batch upload
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".heic": true,
	".gif":  true,
}

// FileHandler stages uploaded files on local disk before they are pushed to storage
type FileHandler struct {
	tempDirBase string
	maxFileSize int64
}

// NewFileHandler creates a FileHandler that rejects files larger than maxFileSize
func NewFileHandler(local config.LocalConfig, maxFileSize int64) *FileHandler {
	return &FileHandler{
		tempDirBase: local.TempDirBase,
		maxFileSize: maxFileSize,
	}
}

// CreateTempDir creates a per-request staging directory
func (fh *FileHandler) CreateTempDir(ctx context.Context) (string, error) {
	return os.MkdirTemp(fh.tempDirBase, "faceswap-")
}

// CleanupTempDir removes a staging directory
func (fh *FileHandler) CleanupTempDir(ctx context.Context, path string) {
	logger := zerolog.Ctx(ctx)
	if err := os.RemoveAll(path); err != nil {
		logger.Error().
			Str("path", path).
			Err(err).
			Msg("Failed to clean up temp directory")
		return
	}
	logger.Debug().
		Str("path", path).
		Msg("Temp directory cleaned up")
}

// SaveUpload writes r into tempDir under a sanitized filename and returns the
// path and byte count.
func (fh *FileHandler) SaveUpload(ctx context.Context, tempDir, filename string, r io.Reader) (string, int64, error) {
	logger := zerolog.Ctx(ctx)
	dst := filepath.Join(tempDir, sanitizeFilename(filename))

	out, err := os.Create(dst)
	if err != nil {
		logger.Error().
			Str("path", dst).
			Err(err).
			Msg("Failed to create staged file")
		return "", 0, err
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(r, fh.maxFileSize+1))
	if err != nil {
		logger.Error().
			Str("path", dst).
			Err(err).
			Msg("Failed to write staged file")
		return "", 0, err
	}

	if written > fh.maxFileSize {
		logger.Warn().
			Str("path", dst).
			Int64("limit", fh.maxFileSize).
			Msg("File size limit reached")
		return "", 0, fmt.Errorf("file too large: maximum size is %d bytes", fh.maxFileSize)
	}

	logger.Debug().
		Str("path", dst).
		Int64("size", written).
		Msg("Upload staged")
	return dst, written, nil
}

// ExtractZip unpacks zipPath into tempDir/extracted. Entries escaping the
// target directory are skipped.
func (fh *FileHandler) ExtractZip(ctx context.Context, zipPath, tempDir string) (string, error) {
	logger := zerolog.Ctx(ctx)
	extractDir := filepath.Join(tempDir, "extracted")

	if err := os.Mkdir(extractDir, 0o755); err != nil {
		logger.Error().
			Str("path", extractDir).
			Err(err).
			Msg("Failed to create extraction directory")
		return "", err
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		logger.Error().
			Str("path", zipPath).
			Err(err).
			Msg("Failed to open archive")
		return "", err
	}
	defer reader.Close()

	var total int64
	for _, entry := range reader.File {
		dst, err := validateZipPath(extractDir, entry.Name)
		if err != nil {
			logger.Warn().
				Str("file", entry.Name).
				Err(err).
				Msg("Invalid archive entry path")
			continue
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return "", err
			}
			continue
		}

		n, err := fh.extractEntry(entry, dst)
		if err != nil {
			logger.Error().
				Str("file", entry.Name).
				Err(err).
				Msg("Failed to extract archive entry")
			return "", err
		}
		total += n
	}

	logger.Debug().
		Str("path", extractDir).
		Int("entries", len(reader.File)).
		Int64("bytes", total).
		Msg("Archive extracted")
	return extractDir, nil
}

func (fh *FileHandler) extractEntry(entry *zip.File, dst string) (int64, error) {
	if int64(entry.UncompressedSize64) > fh.maxFileSize {
		return 0, fmt.Errorf("archive entry %s exceeds %d bytes", entry.Name, fh.maxFileSize)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	src, err := entry.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(src, fh.maxFileSize+1))
	if err != nil {
		return n, err
	}
	if n > fh.maxFileSize {
		return n, fmt.Errorf("archive entry %s exceeds %d bytes", entry.Name, fh.maxFileSize)
	}
	return n, nil
}

// CollectImages lists image files under dir in lexical path order.
// Hidden files and macOS resource forks are ignored.
func (fh *FileHandler) CollectImages(ctx context.Context, dir string) ([]string, error) {
	var images []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == "__MACOSX" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if imageExtensions[strings.ToLower(filepath.Ext(name))] {
			images = append(images, p)
		}
		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Str("dir", dir).Err(err).Msg("Failed to read directory")
		return nil, err
	}

	sort.Strings(images)
	return images, nil
}

// validateZipPath prevents zip slip by rejecting entries outside destDir
func validateZipPath(destDir, filePath string) (string, error) {
	destPath := filepath.Join(destDir, filePath)
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path: %s", filePath)
	}
	return destPath, nil
}

// sanitizeFilename removes potentially dangerous characters from filenames
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)

	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	filename = replacer.Replace(filename)
	if filename == "." || filename == ".." || filename == "" {
		return "upload"
	}
	return filename
}

// RespondWithJSON sends a JSON response with the given status code
func RespondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// RespondWithError sends an error response with the given status code
func RespondWithError(w http.ResponseWriter, statusCode int, message string, details string) {
	RespondWithJSON(w, statusCode, models.ErrorResponse{
		Error:   message,
		Code:    statusCode,
		Details: details,
	})
}
