// Package artifact persists everything cascade inference needs: feature
// order, scaler parameters, window geometry, threshold and both trained
// stages.
//
// A bundle directory holds bundle.gob and a human-readable manifest.toml.
// Writers take an exclusive file lock on the directory and readers a shared
// one, so a bundle is never read half written.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/cascade"
	"github.com/hed1ad/plantguard/pkg/detectors/stage1"
	"github.com/hed1ad/plantguard/pkg/detectors/stage2"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/scale"
	"github.com/hed1ad/plantguard/pkg/schema"
)

const (
	bundleFile   = "bundle.gob"
	manifestFile = "manifest.toml"
	lockFile     = ".lock"
)

// ErrLocked is returned when another process holds the bundle directory.
var ErrLocked = errors.New("artifact directory is locked")

// Bundle is a trained cascade.
type Bundle struct {
	ID           string
	CreatedAt    time.Time
	Features     []string
	Scale        scale.Params
	WindowLength int
	Stride       int
	Threshold    float64
	Detector     []byte
	Classifier   []byte
}

// Manifest summarizes a bundle on disk.
type Manifest struct {
	ID           string    `toml:"id"`
	CreatedAt    time.Time `toml:"created_at"`
	Features     int       `toml:"features"`
	WindowLength int       `toml:"window_length"`
	Stride       int       `toml:"stride"`
	Threshold    float64   `toml:"threshold"`
	SHA256       string    `toml:"sha256"`
}

// New assembles a bundle with a fresh id from trained stages.
func New(features []string, params scale.Params, length, stride int, threshold float64,
	det *stage1.Detector, clf *stage2.Classifier) (*Bundle, error) {
	detBytes, err := det.Save()
	if err != nil {
		return nil, fmt.Errorf("save detector: %w", err)
	}
	clfBytes, err := clf.Save()
	if err != nil {
		return nil, fmt.Errorf("save classifier: %w", err)
	}
	return &Bundle{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		Features:     append([]string(nil), features...),
		Scale:        params,
		WindowLength: length,
		Stride:       stride,
		Threshold:    threshold,
		Detector:     detBytes,
		Classifier:   clfBytes,
	}, nil
}

// Save writes the bundle into dir, creating it if needed.
func (b *Bundle) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	defer func() { _ = lock.Unlock() }()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())

	manifest := Manifest{
		ID:           b.ID,
		CreatedAt:    b.CreatedAt,
		Features:     len(b.Features),
		WindowLength: b.WindowLength,
		Stride:       b.Stride,
		Threshold:    b.Threshold,
		SHA256:       hex.EncodeToString(sum[:]),
	}
	manifestBytes, err := toml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err := writeAtomic(filepath.Join(dir, bundleFile), buf.Bytes()); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, manifestFile), manifestBytes)
}

// Load reads and verifies the bundle in dir.
func Load(dir string) (*Bundle, error) {
	lock := flock.New(filepath.Join(dir, lockFile))
	ok, err := lock.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	defer func() { _ = lock.Unlock() }()

	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, bundleFile))
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != manifest.SHA256 {
		return nil, fmt.Errorf("%w: bundle checksum does not match manifest", errs.ErrDataIntegrity)
	}

	var b Bundle
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", errs.ErrDataIntegrity, err)
	}
	if b.ID != manifest.ID {
		return nil, fmt.Errorf("%w: bundle id %s does not match manifest id %s",
			errs.ErrDataIntegrity, b.ID, manifest.ID)
	}
	return &b, nil
}

// ReadManifest reads only the manifest of the bundle in dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := toml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: parse manifest: %v", errs.ErrDataIntegrity, err)
	}
	return m, nil
}

// Model restores the trained stages and builds a cascade model.
func (b *Bundle) Model() (*cascade.Model, error) {
	s, err := schema.New(b.Features)
	if err != nil {
		return nil, err
	}
	det := stage1.New()
	if err := det.Load(b.Detector); err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	det.SetThreshold(b.Threshold)
	clf := stage2.New()
	if err := clf.Load(b.Classifier); err != nil {
		return nil, fmt.Errorf("load classifier: %w", err)
	}
	return &cascade.Model{
		ID:           b.ID,
		CreatedAt:    b.CreatedAt,
		Schema:       s,
		Scale:        b.Scale,
		WindowLength: b.WindowLength,
		Stride:       b.Stride,
		Engine:       &cascade.Engine{Detector: det, Classifier: clf, Threshold: b.Threshold},
	}, nil
}

// Service loads the bundle in dir and wraps it in a scoring service.
func Service(dir string, logger *zap.Logger) (*cascade.Service, error) {
	b, err := Load(dir)
	if err != nil {
		return nil, err
	}
	m, err := b.Model()
	if err != nil {
		return nil, err
	}
	return cascade.NewService(m, logger)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
