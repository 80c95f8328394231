package filetransfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// PartialInfo describes an incomplete download. It lives in a .partial.json
// sidecar next to the .partial data file.
type PartialInfo struct {
	// Name and Size identify the offered file together with SHA256.
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 []byte `json:"sha256"`

	// Verified is the number of bytes whose chunk checksums matched.
	Verified int64 `json:"verified"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Matches reports whether an offer describes the same file.
func (p *PartialInfo) Matches(o *Offer) bool {
	return p.Name == o.Name && p.Size == o.Size && bytes.Equal(p.SHA256, o.SHA256)
}

// PartialPath returns the .partial path for a destination.
func PartialPath(path string) string {
	return path + ".partial"
}

// PartialInfoPath returns the .partial.json path for a destination.
func PartialInfoPath(path string) string {
	return path + ".partial.json"
}

// WritePartialInfo stores info atomically with a temp file and rename.
func WritePartialInfo(path string, info *PartialInfo) error {
	infoPath := PartialInfoPath(path)
	info.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal partial info: %w", err)
	}

	tmpPath := infoPath + ".tmp"
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear partial info: %w", err)
	}
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to write partial info: %w", err)
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write partial info: %w", err)
	}
	if err := os.Rename(tmpPath, infoPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename partial info: %w", err)
	}
	return nil
}

// ReadPartialInfo loads the sidecar for path. It returns nil, nil when there
// is none.
func ReadPartialInfo(path string) (*PartialInfo, error) {
	infoPath := PartialInfoPath(path)
	exists, err := checkRegular(infoPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	data, err := os.ReadFile(infoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read partial info: %w", err)
	}

	var info PartialInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse partial info: %w", err)
	}
	return &info, nil
}

// checkRegular reports whether path exists, without following a final
// symlink. Anything other than a regular file is ErrNotRegular.
func checkRegular(path string) (bool, error) {
	st, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", filepath.Base(path), err)
	}
	if !st.Mode().IsRegular() {
		return true, fmt.Errorf("%w: %s", ErrNotRegular, filepath.Base(path))
	}
	return true, nil
}

// openRegular opens an existing regular file and makes sure the file
// opened is the one that was checked. flag must not truncate.
func openRegular(path string, flag int) (*os.File, error) {
	before, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !before.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s", ErrNotRegular, filepath.Base(path))
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	after, err := f.Stat()
	if err != nil || !os.SameFile(before, after) {
		f.Close()
		return nil, fmt.Errorf("%w: %s changed while opening", ErrNotRegular, filepath.Base(path))
	}
	return f, nil
}

// CleanupPartial removes both partial files, ignoring missing ones.
func CleanupPartial(path string) error {
	var first error
	for _, p := range []string{PartialPath(path), PartialInfoPath(path)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && first == nil {
			first = fmt.Errorf("failed to remove %s: %w", filepath.Base(p), err)
		}
	}
	return first
}

// partialFile is an open .partial file being written by a receiver.
type partialFile struct {
	path string
	f    *os.File
	info *PartialInfo
}

// openPartial prepares the .partial file for offer o at destination path.
// When a sidecar for the same file exists, the data file is truncated to
// the verified length and the transfer resumes there; otherwise it starts
// from zero.
func openPartial(path string, o *Offer) (*partialFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// A symlinked or special .partial is never written through.
	exists, err := checkRegular(PartialPath(path))
	if err != nil {
		return nil, err
	}

	info, err := ReadPartialInfo(path)
	if errors.Is(err, ErrNotRegular) {
		return nil, err
	}
	if err != nil {
		// An unreadable sidecar only costs a restart.
		info = nil
	}
	if info != nil && !info.Matches(o) {
		info = nil
	}

	if exists && info != nil {
		f, err := openRegular(PartialPath(path), os.O_WRONLY)
		if err == nil {
			st, serr := f.Stat()
			if serr == nil && st.Size() >= info.Verified && info.Verified <= o.Size {
				if err := f.Truncate(info.Verified); err == nil {
					if _, err := f.Seek(info.Verified, io.SeekStart); err == nil {
						return &partialFile{path: path, f: f, info: info}, nil
					}
				}
			}
			f.Close()
		} else if errors.Is(err, ErrNotRegular) {
			return nil, err
		}
	}

	var f *os.File
	if exists {
		f, err = openRegular(PartialPath(path), os.O_WRONLY)
		if err == nil {
			if terr := f.Truncate(0); terr != nil {
				f.Close()
				f, err = nil, terr
			}
		}
	} else {
		f, err = os.OpenFile(PartialPath(path), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}
	info = &PartialInfo{
		Name:      o.Name,
		Size:      o.Size,
		SHA256:    o.SHA256,
		StartedAt: time.Now(),
	}
	if err := WritePartialInfo(path, info); err != nil {
		f.Close()
		os.Remove(PartialPath(path))
		return nil, err
	}
	return &partialFile{path: path, f: f, info: info}, nil
}

// write appends a verified chunk and records the new verified length.
func (p *partialFile) write(data []byte) error {
	if _, err := p.f.Write(data); err != nil {
		return fmt.Errorf("failed to write partial file: %w", err)
	}
	p.info.Verified += int64(len(data))
	return WritePartialInfo(p.path, p.info)
}

// finalize checks the whole-file checksum and renames the data into place.
// A mismatch removes the partial files so the next attempt starts over.
func (p *partialFile) finalize(mode os.FileMode) error {
	if err := p.f.Sync(); err != nil {
		p.f.Close()
		return fmt.Errorf("failed to sync partial file: %w", err)
	}
	if err := p.f.Close(); err != nil {
		return fmt.Errorf("failed to close partial file: %w", err)
	}

	if _, err := checkRegular(PartialPath(p.path)); err != nil {
		return err
	}
	sum, err := hashFile(PartialPath(p.path))
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, p.info.SHA256) {
		CleanupPartial(p.path)
		return fmt.Errorf("%w: whole file", ErrChecksum)
	}

	if mode == 0 {
		mode = 0644
	}
	if err := os.Chmod(PartialPath(p.path), mode.Perm()); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(PartialPath(p.path), p.path); err != nil {
		return fmt.Errorf("failed to rename partial to final: %w", err)
	}
	os.Remove(PartialInfoPath(p.path))
	return nil
}

// close releases the data file and keeps the partial files for a resume.
func (p *partialFile) close() {
	p.f.Close()
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", filepath.Base(path), err)
	}
	return h.Sum(nil), nil
}
