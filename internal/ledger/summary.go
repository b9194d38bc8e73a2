package ledger

// DefaultMaxBroken is how many broken entries a Summary shows in full.
const DefaultMaxBroken = 10

// NodeKind labels one element of a Summary timeline.
type NodeKind string

const (
	NodeGenesis NodeKind = "genesis"
	NodeEntry   NodeKind = "entry"
	NodeBroken  NodeKind = "broken"
	NodeGap     NodeKind = "gap"
)

// Gap is a run of consecutive entries that are not shown individually.
// Broken counts hidden broken entries inside the run; it is only non-zero
// once more than the maximum number of broken entries exist.
type Gap struct {
	FromID int64 `json:"from_id"`
	ToID   int64 `json:"to_id"`
	Count  int   `json:"count"`
	Broken int   `json:"broken"`
}

// Node is one element of the display timeline, in chain order.
type Node struct {
	Kind  NodeKind     `json:"kind"`
	Entry *EntryReport `json:"entry,omitempty"`
	Gap   *Gap         `json:"gap,omitempty"`
}

// Summary is a compact, display-oriented view of a Report.
type Summary struct {
	Valid          bool          `json:"valid"`
	Genesis        string        `json:"genesis"`
	EntriesChecked int           `json:"entries_checked"`
	First          *EntryReport  `json:"first,omitempty"`
	Last           *EntryReport  `json:"last,omitempty"`
	Broken         []EntryReport `json:"broken"`
	HiddenBroken   int           `json:"hidden_broken"`
	Gaps           []Gap         `json:"gaps"`
	Nodes          []Node        `json:"nodes"`
}

// Summarize re-presents r for review. It shows the first and last entries,
// up to maxBroken other broken entries, and collapses everything else into
// gaps. The verdict is copied from r unchanged.
//
// maxBroken is not a hard cap on Broken. A broken first entry counts toward
// it, but a broken last entry is listed even when the limit is reached, so
// Broken can hold maxBroken+1 entries. HiddenBroken counts the broken
// entries left out.
func Summarize(r *Report, maxBroken int) Summary {
	if maxBroken <= 0 {
		maxBroken = DefaultMaxBroken
	}
	s := Summary{
		Valid:          r.Valid,
		Genesis:        GenesisHash,
		EntriesChecked: r.EntriesChecked,
		Broken:         []EntryReport{},
		Gaps:           []Gap{},
		Nodes:          []Node{{Kind: NodeGenesis}},
	}
	n := len(r.Entries)
	if n == 0 {
		return s
	}

	first, last := r.Entries[0], r.Entries[n-1]
	s.First, s.Last = &first, &last

	var gap *Gap
	flush := func() {
		if gap == nil {
			return
		}
		s.Gaps = append(s.Gaps, *gap)
		g := *gap
		s.Nodes = append(s.Nodes, Node{Kind: NodeGap, Gap: &g})
		gap = nil
	}

	for i := range r.Entries {
		e := r.Entries[i]
		edge := i == 0 || i == n-1
		shownBroken := !e.OK() && (edge || len(s.Broken) < maxBroken)
		if !e.OK() && !shownBroken {
			s.HiddenBroken++
		}

		if edge || shownBroken {
			flush()
			kind := NodeEntry
			if !e.OK() {
				kind = NodeBroken
			}
			if shownBroken {
				s.Broken = append(s.Broken, e)
			}
			s.Nodes = append(s.Nodes, Node{Kind: kind, Entry: &e})
			continue
		}

		if gap == nil {
			gap = &Gap{FromID: e.ID}
		}
		gap.ToID = e.ID
		gap.Count++
		if !e.OK() {
			gap.Broken++
		}
	}
	flush()
	return s
}
