package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"helpdesk/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Archive layout: config file and databases at the top level, attachments
// under uploads/.
const uploadsArchiveDir = "uploads"

type backupFile struct {
	src  string // path on disk
	name string // path inside the archive
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the support database, uploads, session and config",
		Long: `Creates a compressed .tar.gz archive containing the backend's SQLite
database, uploaded attachments, the widget session database and the config
file. Stop 'helpdesk serve' first for a consistent copy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := loadConfigOrDefaults()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("helpdesk-backup-%s.tar.gz", ts))
			}

			var files []backupFile
			files = appendIfExists(files, cfgPath, filepath.Base(cfgPath))
			files = appendDatabase(files, cfg.Server.DBPath, "support.db")
			files = appendDatabase(files, cfg.Session.DBPath, "session.db")
			if entries, err := os.ReadDir(cfg.Server.UploadDir); err == nil {
				for _, e := range entries {
					if e.Type().IsRegular() {
						files = append(files, backupFile{
							src:  filepath.Join(cfg.Server.UploadDir, e.Name()),
							name: path.Join(uploadsArchiveDir, e.Name()),
						})
					}
				}
			}

			if len(files) == 0 {
				return fmt.Errorf("no files to back up (db: %s, config: %s)", cfg.Server.DBPath, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			var total uint64
			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				if info, err := os.Stat(f.src); err == nil {
					total += uint64(info.Size())
					if !strings.HasPrefix(f.name, uploadsArchiveDir+"/") {
						fmt.Printf("  - %s (%s)\n", f.name, humanize.Bytes(uint64(info.Size())))
					}
				}
			}
			fmt.Printf("Files included: %d, %s total\n", len(files), humanize.Bytes(total))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.helpdesk/backups/helpdesk-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var inputPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore helpdesk data from a backup archive",
		Long: `Restores the databases, uploads and config file from a .tar.gz
archive created by 'helpdesk backup'.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputPath == "" && len(args) > 0 {
				inputPath = args[0]
			}
			if inputPath == "" {
				return fmt.Errorf("specify a backup file: helpdesk restore <file.tar.gz>")
			}

			cfgPath := resolveConfigPath()
			cfg := loadConfigOrDefaults()

			if !force {
				for _, p := range []string{cfg.Server.DBPath, cfg.Session.DBPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data, e.g. %s\n", p)
						fmt.Printf("Use --force to skip this warning.\n")
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			targets := restoreTargets{
				config:    cfgPath,
				supportDB: cfg.Server.DBPath,
				sessionDB: cfg.Session.DBPath,
				uploads:   cfg.Server.UploadDir,
			}
			restored, err := extractTarGz(inputPath, targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", inputPath)
			fmt.Printf("Files restored: %d\n", len(restored))
			return nil
		},
	}

	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

func appendIfExists(files []backupFile, src, name string) []backupFile {
	if _, err := os.Stat(src); err == nil {
		files = append(files, backupFile{src: src, name: name})
	}
	return files
}

// appendDatabase adds a SQLite file with its WAL and SHM companions.
func appendDatabase(files []backupFile, dbPath, name string) []backupFile {
	files = appendIfExists(files, dbPath, name)
	for _, suffix := range []string{"-wal", "-shm"} {
		files = appendIfExists(files, dbPath+suffix, name+suffix)
	}
	return files
}

func createTarGz(outputPath string, files []backupFile) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.src, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, f backupFile) error {
	file, err := os.Open(f.src)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = f.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

type restoreTargets struct {
	config    string
	supportDB string
	sessionDB string
	uploads   string
}

// target maps an archive entry to its destination. Unknown entries are skipped.
func (t restoreTargets) target(name string) (string, bool) {
	name = path.Clean(name)
	if dir, base := path.Split(name); dir == uploadsArchiveDir+"/" && base != "" {
		return filepath.Join(t.uploads, base), true
	}
	if strings.Contains(name, "/") {
		return "", false
	}
	for _, db := range []struct{ prefix, dest string }{{"support.db", t.supportDB}, {"session.db", t.sessionDB}} {
		if strings.HasPrefix(name, db.prefix) {
			return db.dest + strings.TrimPrefix(name, db.prefix), true
		}
	}
	if name == filepath.Base(t.config) || name == "config.json" || name == "config.yaml" || name == "config.yml" {
		return t.config, true
	}
	return "", false
}

func extractTarGz(archivePath string, targets restoreTargets) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		targetPath, ok := targets.target(header.Name)
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", header.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		outFile.Close()
		restored = append(restored, targetPath)
	}

	return restored, nil
}
