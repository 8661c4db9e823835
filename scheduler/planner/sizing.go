package planner

import (
	"fmt"

	"github.com/gpubatch/gpubatch/scheduler/domain"
)

// DefaultSizeTable caps batches at 8 jobs for one modality, 4 for two, 2 for three or more.
var DefaultSizeTable = []int{8, 4, 2}

// SafeBatchSize returns the batch cap for a signature with the given number of modalities.
// Entry i of table is the cap for i+1 modalities; the last entry covers everything larger.
// Zero modalities use the first entry.
func SafeBatchSize(table []int, modalities int) int {
	if len(table) == 0 {
		table = DefaultSizeTable
	}
	if modalities < 1 {
		modalities = 1
	}
	if modalities > len(table) {
		return table[len(table)-1]
	}
	return table[modalities-1]
}

// SafeBatchSizeFor is SafeBatchSize for a signature.
func SafeBatchSizeFor(table []int, sig domain.ControlSignature) int {
	return SafeBatchSize(table, sig.Len())
}

// ValidateSizeTable checks that caps are >= 1 and never grow with the modality count.
func ValidateSizeTable(table []int) error {
	if len(table) == 0 {
		return fmt.Errorf("size table is empty")
	}
	for i, n := range table {
		if n < 1 {
			return fmt.Errorf("size table entry %d is %d, must be >= 1", i, n)
		}
		if i > 0 && n > table[i-1] {
			return fmt.Errorf("size table must be non-increasing, entry %d (%d) > entry %d (%d)", i, n, i-1, table[i-1])
		}
	}
	return nil
}
