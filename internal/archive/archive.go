// Package archive builds and reads the submission ZIP: a manifest.json
// plus a verbatim snapshot/<log-filename> member.
package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	ManifestName  = "manifest.json"
	SnapshotDir   = "snapshot"
)

// FileHash is one (relative_path, sha256) pair recorded in the manifest.
type FileHash struct {
	RelPath string
	SHA256  string
}

// Manifest is the archive's manifest.json payload.
type Manifest struct {
	AssignmentID    string     `json:"assignment_id"`
	Username        string     `json:"username"`
	CreatedAt       time.Time  `json:"created_at"`
	FileHashes      []FileHash `json:"file_hashes"`
	ClientVersion   string     `json:"client_version"`
}

// MarshalJSON renders FileHashes as [[rel_path, sha256_hex], ...] pairs.
func (m Manifest) MarshalJSON() ([]byte, error) {
	type alias struct {
		AssignmentID  string     `json:"assignment_id"`
		Username      string     `json:"username"`
		CreatedAt     string     `json:"created_at"`
		FileHashes    [][2]string `json:"file_hashes"`
		ClientVersion string     `json:"client_version"`
	}
	pairs := make([][2]string, len(m.FileHashes))
	for i, fh := range m.FileHashes {
		pairs[i] = [2]string{fh.RelPath, fh.SHA256}
	}
	return json.Marshal(alias{
		AssignmentID:  m.AssignmentID,
		Username:      m.Username,
		CreatedAt:     m.CreatedAt.UTC().Format(time.RFC3339),
		FileHashes:    pairs,
		ClientVersion: m.ClientVersion,
	})
}

func (m *Manifest) UnmarshalJSON(b []byte) error {
	var alias struct {
		AssignmentID  string      `json:"assignment_id"`
		Username      string      `json:"username"`
		CreatedAt     string      `json:"created_at"`
		FileHashes    [][2]string `json:"file_hashes"`
		ClientVersion string      `json:"client_version"`
	}
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, alias.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive: bad created_at %q: %w", alias.CreatedAt, err)
	}
	m.AssignmentID = alias.AssignmentID
	m.Username = alias.Username
	m.CreatedAt = ts
	m.ClientVersion = alias.ClientVersion
	m.FileHashes = make([]FileHash, len(alias.FileHashes))
	for i, p := range alias.FileHashes {
		m.FileHashes[i] = FileHash{RelPath: p[0], SHA256: p[1]}
	}
	return nil
}

// BuildParams describes one archive-builder run.
type BuildParams struct {
	AssignmentID  string
	Username      string
	ClientVersion string
	LogPath       string // absolute path to the collector's JSONL log
	Now           time.Time
}

// Build writes a ZIP containing manifest.json and snapshot/<basename of
// LogPath> to w. It fails the whole build (returning an error, writing
// nothing usable) if LogPath cannot be read, rather than upload a partial
// archive.
func Build(w io.Writer, p BuildParams) error {
	logBytes, err := os.ReadFile(p.LogPath)
	if err != nil {
		return fmt.Errorf("archive: reading log %s: %w", p.LogPath, err)
	}
	sum := sha256.Sum256(logBytes)
	logName := filepath.Base(p.LogPath)

	manifest := Manifest{
		AssignmentID:  p.AssignmentID,
		Username:      p.Username,
		CreatedAt:     p.Now,
		ClientVersion: p.ClientVersion,
		FileHashes: []FileHash{
			{RelPath: filepath.Join(SnapshotDir, logName), SHA256: hex.EncodeToString(sum[:])},
		},
	}
	manifestBytes, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("archive: marshaling manifest: %w", err)
	}

	zw := zip.NewWriter(w)
	if err := writeMember(zw, ManifestName, manifestBytes); err != nil {
		return err
	}
	if err := writeMember(zw, filepath.Join(SnapshotDir, logName), logBytes); err != nil {
		return err
	}
	return zw.Close()
}

func writeMember(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("archive: creating member %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("archive: writing member %s: %w", name, err)
	}
	return nil
}

// Reader gives read access to an opened submission archive.
type Reader struct {
	zr *zip.Reader
}

// Open opens an archive from ra, which must support random access (a
// multipart upload is spooled to disk or buffered before this is called).
func Open(ra io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("archive: opening zip: %w", err)
	}
	return &Reader{zr: zr}, nil
}

// Manifest reads and parses manifest.json, if present. ok is false if the
// archive has no manifest member (tolerated; meta findings still derive
// from the log itself).
func (r *Reader) Manifest() (Manifest, bool, error) {
	f, err := r.zr.Open(ManifestName)
	if err != nil {
		return Manifest{}, false, nil
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return Manifest{}, false, fmt.Errorf("archive: reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("archive: parsing manifest: %w", err)
	}
	return m, true, nil
}

// SnapshotName returns the name of the first snapshot/<log> member; ok is
// false if there is none.
func (r *Reader) SnapshotName() (string, bool) {
	for _, f := range r.zr.File {
		if filepath.Dir(f.Name) == SnapshotDir {
			return f.Name, true
		}
	}
	return "", false
}

// OpenSnapshot opens the archive's log member for streaming read. The
// caller must Close it. Returns an error if the log member is missing, so
// the caller can mark the submission failed.
func (r *Reader) OpenSnapshot() (io.ReadCloser, error) {
	name, ok := r.SnapshotName()
	if !ok {
		return nil, fmt.Errorf("archive: missing %s/<log> member", SnapshotDir)
	}
	f, err := r.zr.Open(name)
	if err != nil {
		return nil, fmt.Errorf("archive: opening %s: %w", name, err)
	}
	return f, nil
}

// ZipName returns the archive's own filename for the `zip_name` meta
// finding, given the on-disk path it was stored at.
func ZipName(path string) string {
	return filepath.Base(path)
}
