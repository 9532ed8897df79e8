package piece

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/gorent/gorent/internal/xerrors"
	"github.com/gorent/gorent/metainfo"
)

// stripe is one contiguous, pre-allocated file record in the File Stripe
// Table of spec.md §3: {handle, start_offset, end_offset}.
type stripe struct {
	handle     *os.File
	start, end int64
}

// buildStripes lays out and pre-allocates the on-disk files for m under
// destination, per spec.md §6: single-file torrents write
// <destination>/<name>; multi-file torrents write
// <destination>/<name>/<path components joined>, creating intermediate
// directories as needed.
func buildStripes(m *metainfo.Metainfo, destination string) ([]stripe, error) {
	if m.Single {
		path := filepath.Join(destination, m.Name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Fatal("piece.buildStripes", err)
		}
		f, err := openPreallocated(path, m.TotalSize)
		if err != nil {
			return nil, err
		}
		return []stripe{{handle: f, start: 0, end: m.TotalSize}}, nil
	}

	base := filepath.Join(destination, m.Name)
	stripes := make([]stripe, 0, len(m.Files))
	var offset int64
	for _, file := range m.Files {
		parts := append([]string{base}, file.Path...)
		path := filepath.Join(parts...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Fatal("piece.buildStripes", err)
		}
		f, err := openPreallocated(path, file.Length)
		if err != nil {
			return nil, err
		}
		stripes = append(stripes, stripe{handle: f, start: offset, end: offset + file.Length})
		offset += file.Length
	}
	return stripes, nil
}

func openPreallocated(path string, length int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, xerrors.Fatal("piece.openPreallocated", errors.Wrapf(err, "opening %s", path))
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, xerrors.Fatal("piece.openPreallocated", errors.Wrapf(err, "preallocating %s", path))
	}
	return f, nil
}

// stripeFor locates the stripe containing globalOffset.
func stripeFor(stripes []stripe, globalOffset int64) (*stripe, bool) {
	for i := range stripes {
		if stripes[i].start <= globalOffset && globalOffset < stripes[i].end {
			return &stripes[i], true
		}
	}
	return nil, false
}

func closeStripes(stripes []stripe) error {
	var firstErr error
	for _, s := range stripes {
		if err := s.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
