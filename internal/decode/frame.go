package decode

import "github.com/nugget/feedctl/internal/marketdata"

// Money mirrors the exchange's (units, nanos) fixed-point price
// representation. Frame carries Money values rather than pre-converted
// floats so the float conversion itself stays inside the decoder's hot
// path, matching the inline-conversion contract the normalized events
// are built under.
type Money struct {
	Units int64
	Nanos int64
}

// Frame is the typed, already-deframed order-book message the decoder
// consumes. Producing a Frame from raw wire bytes is a collaborator's
// job (the exchange SDK or protobuf bindings); the decoder's own input
// boundary starts here, at a struct with known fields.
type Frame struct {
	Symbol string

	BidPrice [marketdata.DepthLevels]Money
	AskPrice [marketdata.DepthLevels]Money
	BidSize  [marketdata.DepthLevels]int64
	AskSize  [marketdata.DepthLevels]int64

	BidFlag int
	AskFlag int
}

// Parser turns a raw MQTT payload into a Frame. Implementations are
// supplied by whatever collaborator understands the exchange's wire
// format; the decoder treats parse failures and callback failures as
// independent, separately counted error classes.
type Parser func(payload []byte) (Frame, error)
