package extract

import (
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/openneutron/aonp/internal/store"
)

// summaryRow is the long-format schema of summary.parquet: one metric per
// row, so downstream tooling can union files across runs.
type summaryRow struct {
	Metric string  `parquet:"metric"`
	Value  float64 `parquet:"value"`
}

func summaryRows(sum store.Summary) []summaryRow {
	return []summaryRow{
		{Metric: "keff", Value: sum.Keff},
		{Metric: "keff_std", Value: sum.KeffStd},
		{Metric: "keff_uncertainty_pcm", Value: sum.KeffUncertaintyPCM},
		{Metric: "n_batches", Value: float64(sum.NBatches)},
		{Metric: "n_inactive", Value: float64(sum.NInactive)},
		{Metric: "n_particles", Value: float64(sum.NParticles)},
	}
}

func writeSummaryParquet(path string, sum store.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := parquet.NewGenericWriter[summaryRow](f)
	if _, err := w.Write(summaryRows(sum)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close %s: %w", path, err)
	}
	return f.Close()
}

// readSummaryParquet is the inverse of writeSummaryParquet, used by tests and
// the status command.
func readSummaryParquet(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	rows, err := parquet.Read[summaryRow](f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.Metric] = r.Value
	}
	return out, nil
}
