package uplink

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// PayloadStaging writes request bodies to files so a transfer handed to a
// background execution context can outlive the process that built it. Each
// staged file is owned by the request builder that created it and cleaned
// by the event handler once the corresponding response was processed.
type PayloadStaging struct {
	dir string
}

func NewPayloadStaging(dir string) (*PayloadStaging, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	return &PayloadStaging{dir: dir}, nil
}

// StagePreRequest stores the full payload under the measurement identifier.
// The copy keeps the payload available to follow-up upload requests even if
// the in-memory provider is gone after a restart.
func (s *PayloadStaging) StagePreRequest(upload Upload, data []byte) (string, error) {
	return s.write(fmt.Sprintf("prerequest-%d", upload.Measurement().Identifier), data)
}

// StageUpload stores one payload chunk under the session's name, derived
// from the last segment of the upload location.
func (s *PayloadStaging) StageUpload(upload Upload, data []byte) (string, error) {
	name, err := sessionFilename(upload)
	if err != nil {
		return "", err
	}
	return s.write(name, data)
}

// CleanPreRequest removes the staged pre-request payload. A file already
// gone, for example after a restart, is not an error.
func (s *PayloadStaging) CleanPreRequest(upload Upload) error {
	return s.remove(fmt.Sprintf("prerequest-%d", upload.Measurement().Identifier))
}

// CleanUpload removes the staged chunk of the upload's session.
func (s *PayloadStaging) CleanUpload(upload Upload) error {
	name, err := sessionFilename(upload)
	if err != nil {
		return err
	}
	return s.remove(name)
}

func sessionFilename(upload Upload) (string, error) {
	location := upload.Location()
	if location == "" {
		return "", ErrMissingLocation
	}
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("location %q: %w", location, ErrInvalidLocation)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "", fmt.Errorf("location %q has no usable path: %w", location, ErrInvalidLocation)
	}
	return "upload-" + name, nil
}

// write stages data atomically: the final name appears only after the full
// content is on disk.
func (s *PayloadStaging) write(name string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("stage %s: %w", name, err)
	}

	target := filepath.Join(s.dir, name)
	if err = os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	return target, nil
}

func (s *PayloadStaging) remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clean staged %s: %w", name, err)
	}
	return nil
}
