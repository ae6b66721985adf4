package spawn

import (
	"errors"
	"io/fs"
	"os"
	"time"
)

// Timestamps records the modification times of a set of files.
type Timestamps map[string]time.Time

// CaptureTimestamps stats every path. Missing files are recorded with
// the zero time.
func CaptureTimestamps(paths []string) (Timestamps, error) {
	ts := make(Timestamps, len(paths))
	for _, p := range paths {
		mtime, err := modTime(p)
		if err != nil {
			return nil, err
		}
		ts[p] = mtime
	}
	return ts, nil
}

func modTime(p string) (time.Time, error) {
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Changed returns the first file whose modification time differs from
// the recorded one.
func (ts Timestamps) Changed() (string, bool, error) {
	for p, recorded := range ts {
		mtime, err := modTime(p)
		if err != nil {
			return "", false, err
		}
		if !mtime.Equal(recorded) {
			return p, true, nil
		}
	}
	return "", false, nil
}
