package project

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/picolink/picolink-core/board"
	"github.com/picolink/picolink-core/logger"
)

// Options configures one project sync.
type Options struct {
	Root      string           // project root (absolute path)
	FileTypes []string         // extensions to upload; empty = all
	Ignore    []string         // ignore patterns (gitignore style)
	Follow    board.FollowFunc // progress callback, optional
}

// Syncer drives "upload only what changed" against one device session.
type Syncer struct {
	sess board.SessionInterface
	log  *slog.Logger
}

// NewSyncer creates a syncer for a session.
func NewSyncer(sess board.SessionInterface) *Syncer {
	return &Syncer{sess: sess, log: logger.WithComponent("project")}
}

// normalizeRemote rewrites backslashes and doubled slashes in a device path
// to single forward slashes.
func normalizeRemote(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// ScanLocalHashes walks the project root and returns
// root-relative-forward-slash path -> SHA-256 hex digest for every file
// passing the allow-list and ignore rules.
func ScanLocalHashes(root string, fileTypes, ignore []string) (map[string]string, error) {
	m, err := newMatcher(ignore)
	if err != nil {
		return nil, err
	}

	hashes := map[string]string{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if m.ignored(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if m.ignored(rel) || !allowedType(rel, fileTypes) {
			return nil
		}

		digest, hashErr := hashFile(path)
		if hashErr != nil {
			return hashErr
		}
		hashes[rel] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// hashFile computes the SHA-256 hex digest of one file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Diff returns the local paths whose remote hash is absent or different,
// sorted for deterministic upload order.
func Diff(local, remote map[string]string) []string {
	var changed []string
	for rel, hash := range local {
		if remote[rel] != hash {
			changed = append(changed, rel)
		}
	}
	sort.Strings(changed)
	return changed
}

// UploadProject scans the project, asks the board for its hashes of the
// same file set, and uploads exactly the files that differ. Returns
// (nil, nil) when nothing changed.
func (s *Syncer) UploadProject(ctx context.Context, opts Options) (*board.Status, error) {
	root := opts.Root
	fileTypes := opts.FileTypes
	ignore := opts.Ignore

	if manifest, err := LoadManifest(root); err != nil {
		s.log.Warn("ignoring unreadable project manifest", "root", root, "error", err)
	} else if manifest != nil {
		if len(manifest.FileTypes) > 0 {
			fileTypes = manifest.FileTypes
		}
		ignore = append(append([]string{}, ignore...), manifest.Ignore...)
	}

	local, err := ScanLocalHashes(root, fileTypes, ignore)
	if err != nil {
		return nil, err
	}
	s.sess.SetProjectContext(root, local)

	relPaths := make([]string, 0, len(local))
	for rel := range local {
		relPaths = append(relPaths, rel)
	}
	sort.Strings(relPaths)

	s.log.Debug("requesting device hashes", "files", len(relPaths))
	remote, err := s.sess.CalcFileHashes(ctx, relPaths)
	if err != nil {
		return nil, err
	}

	changed := Diff(local, remote)
	if len(changed) == 0 {
		s.log.Info("project up to date", "root", root)
		return nil, nil
	}

	files := make([]string, len(changed))
	for i, rel := range changed {
		files[i] = filepath.Join(root, filepath.FromSlash(rel))
	}

	s.log.Info("uploading changed files", "count", len(files))
	return s.sess.UploadFiles(ctx, files, normalizeRemote(":"), root, opts.Follow != nil, opts.Follow)
}

// DownloadProject fetches the whole device filesystem into dest. A single
// remote file is downloaded to dest joined with its path, because the
// helper treats a single-file target literally.
func (s *Syncer) DownloadProject(ctx context.Context, dest string, follow board.FollowFunc) (*board.Status, error) {
	listing, err := s.sess.ListContentsRecursive(ctx, "/")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, rec := range listing.Files {
		if rec.IsDir {
			continue
		}
		files = append(files, rec.Path)
	}
	if len(files) == 0 {
		return nil, nil
	}

	target := dest
	if len(files) == 1 {
		target = dest + files[0]
	}

	s.log.Info("downloading device files", "count", len(files), "dest", target)
	return s.sess.DownloadFiles(ctx, files, target, follow != nil, follow)
}
