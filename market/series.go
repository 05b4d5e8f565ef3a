package market

// Outcome is the result of merging one candle into a series.
type Outcome int

const (
	Dropped Outcome = iota
	Appended
	Replaced
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	default:
		return "dropped"
	}
}

// Series is an ordered candle sequence with strictly increasing times. It is
// not safe for concurrent use.
type Series struct {
	candles []Candle
}

// NewSeries builds a series from a batch.
func NewSeries(batch []Candle) *Series {
	s := &Series{}
	s.Replace(batch)
	return s
}

// Replace discards the current content and loads batch. Entries that would
// break ordering are skipped, so the invariant holds even for a bad batch.
func (s *Series) Replace(batch []Candle) {
	s.candles = make([]Candle, 0, len(batch))
	for _, c := range batch {
		s.Apply(c)
	}
}

// Reset empties the series.
func (s *Series) Reset() {
	s.candles = nil
}

// Apply merges one live update: a newer bucket is appended, the current last
// bucket is replaced in place, anything older is dropped.
func (s *Series) Apply(c Candle) Outcome {
	n := len(s.candles)
	switch {
	case n == 0 || c.Time > s.candles[n-1].Time:
		s.candles = append(s.candles, c)
		return Appended
	case c.Time == s.candles[n-1].Time:
		s.candles[n-1] = c
		return Replaced
	default:
		return Dropped
	}
}

// Len returns the number of candles.
func (s *Series) Len() int {
	return len(s.candles)
}

// Last returns the newest candle.
func (s *Series) Last() (Candle, bool) {
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Candles returns a copy of the sequence.
func (s *Series) Candles() []Candle {
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}
