// Package runtime carries inference over Arrow Flight. A Server exposes a
// Host (normally the in-process service) and a Client drives it from another
// process; the External backend is built on the Client.
package runtime

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/casonadams/minerva/internal/engine"
)

// Flight action types. Bodies are JSON.
const (
	ActionPing       = "ping"
	ActionLoad       = "load"
	ActionUnload     = "unload"
	ActionIsLoaded   = "is_loaded"
	ActionTokenize   = "tokenize"
	ActionDetokenize = "detokenize"
)

// AddrPrefix starts the stdout line a runtime process prints once it
// accepts connections.
const AddrPrefix = "MINERVA_RUNTIME_ADDR="

type modelBody struct {
	Model string `json:"model"`
}

type loadResult struct {
	SizeBytes int64 `json:"size_bytes"`
}

type loadedResult struct {
	Loaded bool `json:"loaded"`
}

type tokenizeBody struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type tokensResult struct {
	Tokens []int `json:"tokens"`
}

type detokenizeBody struct {
	Model  string `json:"model"`
	Tokens []int  `json:"tokens"`
}

type textResult struct {
	Text string `json:"text"`
}

type pingResult struct {
	Version string `json:"version"`
}

// generateTicket is the DoGet ticket of one generation.
type generateTicket struct {
	Model   string         `json:"model"`
	Request engine.Request `json:"request"`
}

// Generation streams one row per fragment; the last row carries an empty
// text and the finish reason.
var streamSchema = arrow.NewSchema([]arrow.Field{
	{Name: "token", Type: arrow.PrimitiveTypes.Int32},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "finish", Type: arrow.BinaryTypes.String},
}, nil)

// Version is reported by ping.
const Version = "1"
