package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/tis24dev/proxsync/internal/logging"
)

// ArchiverConfig holds the archive settings.
type ArchiverConfig struct {
	CompressionLevel int // zstd CLI-style level, 1..19
	EncryptArchive   bool
	AgeRecipients    []age.Recipient
}

// Archiver writes tar+zstd archives, optionally streamed through age.
type Archiver struct {
	logger     *logging.Logger
	level      zstd.EncoderLevel
	encrypt    bool
	recipients []age.Recipient
}

// NewArchiver creates an Archiver.
func NewArchiver(logger *logging.Logger, cfg ArchiverConfig) *Archiver {
	level := cfg.CompressionLevel
	if level <= 0 {
		level = 3
	}
	return &Archiver{
		logger:     logger,
		level:      zstd.EncoderLevelFromZstd(level),
		encrypt:    cfg.EncryptArchive,
		recipients: cfg.AgeRecipients,
	}
}

// Extension returns the archive suffix, e.g. ".tar.zst" or ".tar.zst.age".
func (a *Archiver) Extension() string {
	if a.encrypt {
		return ".tar.zst.age"
	}
	return ".tar.zst"
}

func (a *Archiver) wrapEncryptionWriter(base io.Writer) (io.Writer, func() error, error) {
	if !a.encrypt {
		return base, func() error { return nil }, nil
	}
	if len(a.recipients) == 0 {
		return nil, nil, fmt.Errorf("encryption enabled but no AGE recipients configured")
	}

	writer, err := age.Encrypt(base, a.recipients...)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize age encryption: %w", err)
	}
	a.logger.Debug("Encrypting archive via age (streaming)")
	return writer, writer.Close, nil
}

// CreateArchive writes the content of sourceDir to outputPath. The archive is
// written to a temporary name first and renamed once complete.
func (a *Archiver) CreateArchive(ctx context.Context, sourceDir, outputPath string) (err error) {
	a.logger.Debug("Creating archive: %s -> %s (zstd %s, encrypted: %v)", sourceDir, outputPath, a.level, a.encrypt)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := outputPath + ".partial"
	outFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if err != nil {
			outFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	writer, finalizeEncryption, err := a.wrapEncryptionWriter(outFile)
	if err != nil {
		return err
	}

	encoder, err := zstd.NewWriter(writer, zstd.WithEncoderLevel(a.level))
	if err != nil {
		return &CompressionError{Algorithm: "zstd", Err: err}
	}

	if err := a.writeTar(ctx, sourceDir, encoder); err != nil {
		encoder.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		return &CompressionError{Algorithm: "zstd", Err: err}
	}
	if err := finalizeEncryption(); err != nil {
		return fmt.Errorf("finalize encrypted archive: %w", err)
	}
	if err := outFile.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return os.Rename(tmpPath, outputPath)
}

// CompressionError wraps failures of the compression stage.
type CompressionError struct {
	Algorithm string
	Err       error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s compression failed: %v", e.Algorithm, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

func (a *Archiver) writeTar(ctx context.Context, sourceDir string, w io.Writer) error {
	tarWriter := tar.NewWriter(w)
	err := a.addToTar(ctx, tarWriter, sourceDir)
	if closeErr := tarWriter.Close(); err == nil {
		err = closeErr
	}
	return err
}

// addToTar walks sourceDir and stores every entry with ownership and
// timestamps, so a restore puts /etc/pve files back with the right owners.
func (a *Archiver) addToTar(ctx context.Context, tarWriter *tar.Writer, sourceDir string) error {
	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			a.logger.Warning("Error accessing path %s: %v", path, err)
			return nil
		}

		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			if linkTarget, err = os.Readlink(path); err != nil {
				a.logger.Warning("Failed to read symlink %s: %v", path, err)
				return nil
			}
		}

		header, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			a.logger.Warning("Failed to create header for %s: %v", path, err)
			return nil
		}
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			header.Uid = int(stat.Uid)
			header.Gid = int(stat.Gid)
			header.AccessTime = time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
			header.ChangeTime = time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
		}
		header.Format = tar.FormatPAX
		header.Name = "./" + strings.ReplaceAll(relPath, string(filepath.Separator), "/")

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("write %s to archive: %w", path, err)
		}
		return nil
	})
}
