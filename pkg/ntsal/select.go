package ntsal

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/ntsal/ntsal/internal/timemath"
	"github.com/ntsal/ntsal/pkg/wire"
)

// peerSnapshot is the per-source state the selection algorithm works
// from, published by an association after every accepted filter pass.
type peerSnapshot struct {
	id         uuid.UUID
	offset     float64
	delay      float64
	disp       float64
	jitter     float64
	rootDelay  float64
	rootDisp   float64
	stratum    uint8
	leap       wire.LeapIndicator
	reach      uint8
	t          timemath.Timestamp
	lastUpdate timemath.Timestamp
}

// rootDist is the total error bound of the source relative to the
// primary reference: half the round-trip delay plus all dispersions
// plus jitter, aged by local drift since the last update.
func (p *peerSnapshot) rootDist(now timemath.Timestamp) float64 {
	age := timemath.DifferenceToDouble(int64(now - p.lastUpdate))
	if age < 0 {
		age = 0
	}
	return (p.rootDelay+p.delay)/2 + p.rootDisp + p.disp + PHI*age + p.jitter
}

// fit reports whether a source is acceptable for synchronization.
func (p *peerSnapshot) fit(now timemath.Timestamp, sysPoll int8) bool {
	if p.leap == wire.LeapUnsynchronized || p.stratum >= MAXSTRAT {
		return false
	}
	if p.rootDist(now) > MAXDIST+PHI*timemath.Log2ToDouble(sysPoll) {
		return false
	}
	if p.reach == 0 {
		return false
	}
	if timemath.DifferenceToDouble(int64(now-p.lastUpdate)) > MAXAGE {
		return false
	}
	return true
}

type chime struct {
	peer *peerSnapshot
	kind int // -1 lower edge, 0 midpoint, +1 upper edge
	edge float64
}

type byEdge []chime

func (c byEdge) Len() int           { return len(c) }
func (c byEdge) Swap(i, j int)      { c[i], c[j] = c[j], c[i] }
func (c byEdge) Less(i, j int) bool { return c[i].edge < c[j].edge }

type survivor struct {
	peer   *peerSnapshot
	metric float64
}

type byMetric []survivor

func (s byMetric) Len() int           { return len(s) }
func (s byMetric) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s byMetric) Less(i, j int) bool { return s[i].metric < s[j].metric }

// estimate is the combined output of selection and clustering: the
// weighted system offset plus the vitals inherited from the chosen
// system peer.
type estimate struct {
	offset    float64
	jitter    float64
	rootDelay float64
	rootDisp  float64
	leap      wire.LeapIndicator
	stratum   uint8
	peer      uuid.UUID
	survivors int
	t         timemath.Timestamp
}

// selectAndCombine runs the intersection and clustering algorithms over
// the current source population and combines the survivors into one
// estimate. prev is the previous system peer, kept across runs to avoid
// clock hopping between sources of equal quality. Returns false when no
// majority clique of at least minSurvivors sources exists.
func selectAndCombine(peers []*peerSnapshot, prev uuid.UUID, now timemath.Timestamp, sysPoll int8, minSurvivors int) (estimate, bool) {
	// Build the chime list of interval edges from every fit source. The
	// correctness interval of a source runs from offset-rootDist to
	// offset+rootDist; a true source's interval contains the true time,
	// so the majority intersection does too.
	chimes := []chime{}
	m := 0
	for _, p := range peers {
		if !p.fit(now, sysPoll) {
			continue
		}
		d := p.rootDist(now)
		chimes = append(chimes,
			chime{peer: p, kind: -1, edge: p.offset - d},
			chime{peer: p, kind: 0, edge: p.offset},
			chime{peer: p, kind: 1, edge: p.offset + d})
		m++
	}
	sort.Sort(byEdge(chimes))
	n := len(chimes)

	// Marzullo scan. Widen the allowance one falseticker at a time
	// until the candidate intersection covers m-allow sources.
	low, high := 2e9, -2e9
	for allow := 0; 2*allow < m; allow++ {
		found := 0
		level := 0
		for i := 0; i < n; i++ {
			level -= chimes[i].kind
			if level >= m-allow {
				low = chimes[i].edge
				break
			}
			if chimes[i].kind == 0 {
				found++
			}
		}
		level = 0
		for i := n - 1; i >= 0; i-- {
			level += chimes[i].kind
			if level >= m-allow {
				high = chimes[i].edge
				break
			}
			if chimes[i].kind == 0 {
				found++
			}
		}
		if found > allow {
			continue
		}
		if high > low {
			break
		}
	}
	if high < low {
		return estimate{}, false
	}

	// Survivors are the sources whose midpoint falls inside the
	// intersection, ranked by stratum then root distance.
	survivors := []survivor{}
	for i := 0; i < n; i++ {
		if chimes[i].kind != 0 || chimes[i].edge < low || chimes[i].edge > high {
			continue
		}
		p := chimes[i].peer
		survivors = append(survivors, survivor{
			peer:   p,
			metric: MAXDIST*float64(p.stratum) + p.rootDist(now),
		})
	}
	if len(survivors) < minSurvivors || len(survivors) < NSANE {
		return estimate{}, false
	}
	sort.Sort(byMetric(survivors))

	// Clustering. Repeatedly discard the survivor whose selection
	// jitter is largest, until doing so can no longer improve on the
	// best source's own jitter or the list is down to NMIN.
	for len(survivors) > NMIN {
		var worst int
		max, min := -2e9, 2e9
		for i, s := range survivors {
			p := s.peer
			if p.jitter < min {
				min = p.jitter
			}
			var sj float64
			for _, q := range survivors {
				sj += math.Pow(p.offset-q.peer.offset, 2)
			}
			sj = math.Sqrt(sj / float64(len(survivors)-1))
			if sj > max {
				max = sj
				worst = i
			}
		}
		if max < min {
			break
		}
		survivors = append(survivors[:worst], survivors[worst+1:]...)
	}

	// Keep the previous system peer when it is still on the list at
	// the best survivor's stratum, otherwise hop to the front runner.
	best := survivors[0].peer
	if prev != uuid.Nil && best.id != prev {
		for _, s := range survivors {
			if s.peer.id == prev && s.peer.stratum == best.stratum {
				best = s.peer
				break
			}
		}
	}

	// Combine the survivor offsets, weighted by inverse root distance,
	// and compute the selection jitter against the system peer.
	var w, z, y float64
	for _, s := range survivors {
		x := s.peer.rootDist(now)
		y += 1 / x
		z += s.peer.offset / x
		w += math.Pow(s.peer.offset-best.offset, 2) / x
	}

	est := estimate{
		offset:    z / y,
		jitter:    math.Sqrt(w / y),
		rootDelay: best.rootDelay + best.delay,
		leap:      best.leap,
		stratum:   best.stratum + 1,
		peer:      best.id,
		survivors: len(survivors),
		t:         best.t,
	}
	est.rootDisp = math.Max(best.rootDisp+best.disp+est.jitter+
		PHI*timemath.DifferenceToDouble(int64(now-best.lastUpdate))+
		math.Abs(best.offset), MINDISP)
	return est, true
}
