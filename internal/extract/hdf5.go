package extract

import (
	"fmt"

	"gonum.org/v1/hdf5"
)

// HDF5Reader reads real solver statepoints. Requires the native HDF5 library
// at build time; everything else in the package tests against a fake reader.
type HDF5Reader struct{}

var _ StatepointReader = HDF5Reader{}

func (HDF5Reader) Read(path string) (Statepoint, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return Statepoint{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// k_combined holds [mean, std_dev] for the combined k-effective
	// estimator.
	var keff [2]float64
	if err := readDataset(f, "k_combined", &keff); err != nil {
		return Statepoint{}, err
	}
	var nBatches, nInactive, nParticles int64
	if err := readDataset(f, "n_batches", &nBatches); err != nil {
		return Statepoint{}, err
	}
	if err := readDataset(f, "n_inactive", &nInactive); err != nil {
		return Statepoint{}, err
	}
	if err := readDataset(f, "n_particles", &nParticles); err != nil {
		return Statepoint{}, err
	}

	return Statepoint{
		KeffMean:   keff[0],
		KeffStd:    keff[1],
		NBatches:   int(nBatches),
		NInactive:  int(nInactive),
		NParticles: int(nParticles),
	}, nil
}

func readDataset(f *hdf5.File, name string, dst any) error {
	dset, err := f.OpenDataset(name)
	if err != nil {
		return fmt.Errorf("open dataset %s: %w", name, err)
	}
	defer dset.Close()
	if err := dset.Read(dst); err != nil {
		return fmt.Errorf("read dataset %s: %w", name, err)
	}
	return nil
}
