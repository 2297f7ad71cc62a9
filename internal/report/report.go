// Package report formats the simulator's end-of-run statistics the way the
// baseline Cache and eTLB drivers have always printed them, to keep
// regression comparisons against prior runs line-for-line stable.
package report

import (
	"fmt"
	"io"

	"cachesim/internal/etlb"
	"cachesim/internal/memcache"
)

// Cache prints the baseline driver's report: L1/L2 hit/miss rates plus
// combined cycles and energy.
func Cache(w io.Writer, l1, l2 *memcache.Cache, counted uint64) {
	fmt.Fprintf(w, "N: %d\n", counted)
	fmt.Fprintf(w, "L1 hit:  %d (%.3f)\n", l1.Hit, pct(l1.Hit, counted))
	fmt.Fprintf(w, "L1 miss: %d (%.3f)\n", l1.Miss, pct(l1.Miss, counted))
	fmt.Fprintf(w, "L2 hit:  %d (%.3f)\n", l2.Hit, pct(l2.Hit, counted))
	fmt.Fprintf(w, "L2 miss: %d (%.3f)\n", l2.Miss, pct(l2.Miss, counted))
	fmt.Fprintf(w, "Time L1: %d, L2: %d, total: %d\n", l1.Cycles, l2.Cycles, l1.Cycles+l2.Cycles)
	fmt.Fprintf(w, "Energy L1: %.3f, L2: %.3f, total: %.3f\n", l1.Energy, l2.Energy, l1.Energy+l2.Energy)
}

// Etlb prints the eTLB driver's longer report: eTLB and Hub hit/miss rates
// per location, plus combined cycles and energy.
func Etlb(w io.Writer, e *etlb.Etlb, counted uint64) {
	fmt.Fprintf(w, "N: %d\n", counted)
	fmt.Fprintf(w, "ETLB Hit, NIC %d, (%.3f)\n", e.Hit[0], pct(e.Hit[0], counted))
	fmt.Fprintf(w, "ETLB Hit, L1D %d, (%.3f)\n", e.Hit[2], pct(e.Hit[2], counted))
	fmt.Fprintf(w, "ETLB Hit, L2  %d, (%.3f)\n", e.Hit[3], pct(e.Hit[3], counted))
	fmt.Fprintf(w, "ETLB Miss,    %d, (%.3f)\n", e.Miss, pct(e.Miss, counted))
	fmt.Fprintf(w, "Hub Hit, NIC %d, (%.3f)\n", e.Hub.Hit[0], pct(e.Hub.Hit[0], counted))
	fmt.Fprintf(w, "Hub Hit, L1  %d, (%.3f)\n", e.Hub.Hit[2], pct(e.Hub.Hit[2], counted))
	fmt.Fprintf(w, "Hub Hit, L2  %d, (%.3f)\n", e.Hub.Hit[3], pct(e.Hub.Hit[3], counted))
	fmt.Fprintf(w, "Hub Miss,    %d, (%.3f)\n", e.Hub.Miss, pct(e.Hub.Miss, counted))
	fmt.Fprintf(w, "Time L1: %d, L2: %d, total: %d\n", e.Cache.Cycles, e.Hub.Cache.Cycles, e.Cache.Cycles+e.Hub.Cache.Cycles)
	fmt.Fprintf(w, "Energy L1: %.3f, L2: %.3f, total: %.3f\n", e.Cache.Energy, e.Hub.Cache.Energy, e.Cache.Energy+e.Hub.Cache.Energy)
}

func pct(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
