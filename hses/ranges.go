package hses

import "sort"

// consecutiveRuns partitions a set of variable addresses into maximal
// ascending runs of consecutive integers. Duplicates are collapsed, the
// input is not modified, and runs come back in ascending order. Used to
// decide which variable reads can be merged into one plural request.
func consecutiveRuns(nums []uint16) [][]uint16 {
	if len(nums) == 0 {
		return nil
	}

	sorted := make([]uint16, len(nums))
	copy(sorted, nums)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var runs [][]uint16
	run := []uint16{sorted[0]}
	for _, n := range sorted[1:] {
		switch {
		case n == run[len(run)-1]:
			// duplicate, drop
		case n == run[len(run)-1]+1:
			run = append(run, n)
		default:
			runs = append(runs, run)
			run = []uint16{n}
		}
	}
	return append(runs, run)
}
