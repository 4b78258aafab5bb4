// Package extract turns a solver statepoint into the run's structured
// summary and its columnar sidecar file.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/openneutron/aonp/internal/store"
)

// ErrNoStatepoint reports a run whose solver exited cleanly but produced no
// statepoint file.
var ErrNoStatepoint = errors.New("no statepoint file found")

// Statepoint is the subset of the solver's HDF5 output the summary needs.
type Statepoint struct {
	KeffMean   float64
	KeffStd    float64
	NBatches   int
	NInactive  int
	NParticles int
}

// StatepointReader decodes a statepoint file. The HDF5 implementation lives
// behind this seam so extraction logic tests without native libraries.
type StatepointReader interface {
	Read(path string) (Statepoint, error)
}

// FindStatepoint locates the statepoint in a run's outputs directory. The
// solver names files statepoint.<batch>.h5 with zero-padded batch numbers, so
// the lexicographically last match is the final batch.
func FindStatepoint(outputsDir string) (string, error) {
	matches, err := doublestar.Glob(os.DirFS(outputsDir), "**/statepoint.*.h5")
	if err != nil {
		return "", fmt.Errorf("glob statepoints: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoStatepoint, outputsDir)
	}
	sort.Strings(matches)
	return filepath.Join(outputsDir, matches[len(matches)-1]), nil
}

// Extractor derives a Summary from a completed run's outputs.
type Extractor struct {
	Reader StatepointReader
}

// Extract reads the final statepoint, validates it, and writes
// summary.parquet next to it. Returns the summary and the parquet path.
func (e *Extractor) Extract(runID, outputsDir string) (store.Summary, string, error) {
	spPath, err := FindStatepoint(outputsDir)
	if err != nil {
		return store.Summary{}, "", err
	}
	sp, err := e.Reader.Read(spPath)
	if err != nil {
		return store.Summary{}, "", fmt.Errorf("read statepoint %s: %w", spPath, err)
	}
	if err := validate(sp); err != nil {
		return store.Summary{}, "", fmt.Errorf("statepoint %s: %w", spPath, err)
	}

	sum := store.Summary{
		RunID:   runID,
		Keff:    sp.KeffMean,
		KeffStd: sp.KeffStd,
		// 1 pcm = 1e-5 in k-effective.
		KeffUncertaintyPCM: sp.KeffStd * 1e5,
		NBatches:           sp.NBatches,
		NInactive:          sp.NInactive,
		NParticles:         sp.NParticles,
	}
	parquetPath := filepath.Join(outputsDir, "summary.parquet")
	if err := writeSummaryParquet(parquetPath, sum); err != nil {
		return store.Summary{}, "", err
	}
	return sum, parquetPath, nil
}

func validate(sp Statepoint) error {
	if sp.KeffMean <= 0 {
		return fmt.Errorf("k-effective mean %v is not positive", sp.KeffMean)
	}
	if sp.KeffStd < 0 {
		return fmt.Errorf("k-effective std dev %v is negative", sp.KeffStd)
	}
	if sp.NBatches <= 0 {
		return fmt.Errorf("batch count %d is not positive", sp.NBatches)
	}
	if sp.NInactive < 0 || sp.NInactive >= sp.NBatches {
		return fmt.Errorf("inactive batches %d inconsistent with %d batches", sp.NInactive, sp.NBatches)
	}
	if sp.NParticles <= 0 {
		return fmt.Errorf("particle count %d is not positive", sp.NParticles)
	}
	return nil
}
