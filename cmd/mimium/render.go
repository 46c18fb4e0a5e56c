package main

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/mimium-go/mimium/internal/vm"
)

// renderSamples advances m by n samples, writing each one as a
// "index,value" row to w. CSV is the only --output-format this CLI
// understands (spec.md §6); no third-party CSV writer appears
// anywhere in the reference stack, so this is the one place this
// repo reaches for the standard library's encoding/csv over a pack
// dependency.
func renderSamples(w io.Writer, m *vm.Machine, dspIdx int, n int) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	for i := 0; i < n; i++ {
		sample, err := m.ExecuteTask(dspIdx)
		if err != nil {
			return fmt.Errorf("mimium: rendering sample %d: %w", i, err)
		}
		if err := cw.Write([]string{fmt.Sprintf("%d", i), fmt.Sprintf("%.10g", sample)}); err != nil {
			return err
		}
	}
	return nil
}
