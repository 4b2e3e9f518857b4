// Package backup snapshots the SQLite databases, archives them, and ships
// the archive to an S3-compatible bucket with age-based rotation.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	archivePrefix   = "vigil-backup-"
	archiveStamp    = "2006-01-02-150405"
	minBackupsKept  = 3
	metadataName    = "backup-metadata.json"
	metadataVersion = "1.0.0"
)

// Snapshotter copies a live database to a standalone file. database.DB
// satisfies this via VACUUM INTO.
type Snapshotter interface {
	VacuumInto(destPath string) error
}

// Metadata describes one backup archive.
type Metadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Databases []DatabaseMeta `json:"databases"`
}

// DatabaseMeta describes one database file inside an archive.
type DatabaseMeta struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Info summarizes a stored backup for listing and rotation.
type Info struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// Service creates, uploads, and rotates backups. It runs from the nightly
// maintenance cycle.
type Service struct {
	store         ObjectStore
	databases     map[string]Snapshotter
	dataDir       string
	retentionDays int
	log           zerolog.Logger

	now func() time.Time
}

// New wires the backup service. databases maps archive-internal names
// ("vigil", "cache") to the live handles to snapshot.
func New(store ObjectStore, databases map[string]Snapshotter, dataDir string, retentionDays int, log zerolog.Logger) *Service {
	return &Service{
		store:         store,
		databases:     databases,
		dataDir:       dataDir,
		retentionDays: retentionDays,
		log:           log.With().Str("component", "backup").Logger(),
		now:           time.Now,
	}
}

// Run performs one full backup pass: snapshot, archive, upload, rotate.
func (s *Service) Run(ctx context.Context) error {
	if err := s.CreateAndUpload(ctx); err != nil {
		return err
	}
	return s.Rotate(ctx)
}

// CreateAndUpload snapshots every database into a staging directory,
// bundles them with metadata into a tar.gz, and uploads the archive.
func (s *Service) CreateAndUpload(ctx context.Context) error {
	started := s.now()
	s.log.Info().Msg("Starting backup")

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	meta := Metadata{
		Timestamp: started.UTC(),
		Version:   metadataVersion,
	}

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dbPath := filepath.Join(stagingDir, name+".db")
		if err := s.databases[name].VacuumInto(dbPath); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", name, err)
		}

		info, err := os.Stat(dbPath)
		if err != nil {
			return fmt.Errorf("failed to stat %s snapshot: %w", name, err)
		}
		checksum, err := fileChecksum(dbPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s snapshot: %w", name, err)
		}

		meta.Databases = append(meta.Databases, DatabaseMeta{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	metaPath := filepath.Join(stagingDir, metadataName)
	if err := writeMetadata(metaPath, meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := archivePrefix + started.Format(archiveStamp) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	members := make([]string, 0, len(names)+1)
	for _, name := range names {
		members = append(members, name+".db")
	}
	members = append(members, metadataName)

	if err := createArchive(archivePath, stagingDir, members); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	archiveInfo, err := archiveFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := s.store.Upload(ctx, archiveName, archiveFile); err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", s.now().Sub(started)).
		Str("archive", archiveName).
		Int64("size_bytes", archiveInfo.Size()).
		Msg("Backup completed")
	return nil
}

// List returns stored backups, newest first.
func (s *Service) List(ctx context.Context) ([]Info, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	now := s.now()
	backups := make([]Info, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		ts, err := time.Parse(archiveStamp, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Unparseable backup filename, skipping")
			continue
		}
		backups = append(backups, Info{
			Filename:  obj.Key,
			Timestamp: ts,
			SizeBytes: obj.Size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// Rotate deletes backups older than the retention period. The newest
// three survive regardless of age; retention 0 keeps everything.
func (s *Service) Rotate(ctx context.Context) error {
	backups, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsKept || s.retentionDays <= 0 {
		return nil
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, b := range backups {
		if i < minBackupsKept || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", b.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("filename", b.Filename).Msg("Deleted old backup")
		deleted++
	}

	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).
			Msg("Backup rotation completed")
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, meta Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func createArchive(archivePath, sourceDir string, members []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, name := range members {
		if err := addFile(tw, filepath.Join(sourceDir, name), name); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
