package runtime

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// WeightsStore lays model artifacts out under a root directory, one
// subdirectory per predictor id. The directory is the unit of existence:
// a predictor whose directory is missing must re-download.
type WeightsStore struct {
	root string
}

func NewWeightsStore(root string) *WeightsStore { return &WeightsStore{root: root} }

// Path returns the artifact directory for a predictor.
func (w *WeightsStore) Path(id primitive.ObjectID) string {
	return filepath.Join(w.root, id.Hex())
}

// Exists reports whether the predictor's artifact directory is present.
func (w *WeightsStore) Exists(id primitive.ObjectID) bool {
	info, err := os.Stat(w.Path(id))
	return err == nil && info.IsDir()
}

// Install copies downloaded artifacts from srcDir into the predictor's
// directory, creating it as needed.
func (w *WeightsStore) Install(id primitive.ObjectID, srcDir string) error {
	dst := w.Path(id)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create weights directory %s: %w", dst, err)
	}
	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err != nil {
		return fmt.Errorf("install weights into %s: %w", dst, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
