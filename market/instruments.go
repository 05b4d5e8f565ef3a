package market

// FallbackSymbol is used for instrument ids outside the catalog.
const FallbackSymbol = "BTCUSDT"

// Instrument maps an app-level instrument id to its exchange symbol.
type Instrument struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

var catalog = []Instrument{
	{ID: "bitcoin", Name: "Bitcoin", Symbol: "BTCUSDT"},
	{ID: "ethereum", Name: "Ethereum", Symbol: "ETHUSDT"},
	{ID: "bnb", Name: "BNB", Symbol: "BNBUSDT"},
	{ID: "xrp", Name: "XRP", Symbol: "XRPUSDT"},
	{ID: "tron", Name: "TRON", Symbol: "TRXUSDT"},
	{ID: "dogecoin", Name: "Dogecoin", Symbol: "DOGEUSDT"},
	{ID: "trump", Name: "Trump", Symbol: "DJTUSDT"},
	{ID: "solana", Name: "Solana", Symbol: "SOLUSDT"},
}

// Instruments returns a copy of the catalog.
func Instruments() []Instrument {
	out := make([]Instrument, len(catalog))
	copy(out, catalog)
	return out
}

// LookupInstrument finds an instrument by id.
func LookupInstrument(id string) (Instrument, bool) {
	for _, in := range catalog {
		if in.ID == id {
			return in, true
		}
	}
	return Instrument{}, false
}

// SymbolFor returns the exchange symbol for id, or FallbackSymbol.
func SymbolFor(id string) string {
	if in, ok := LookupInstrument(id); ok {
		return in.Symbol
	}
	return FallbackSymbol
}
