package httpflow

// Stage is a processing stage in a transport's inbound pipeline. The
// streaming response handler and the optional decompression stage both
// implement Stage. A Transport holds a single pipeline head, set with
// SetPipelineHead; stages are chained by the decompression stage wrapping
// the handler, not looked up or removed by name.
type Stage interface {
	// HandleHead is called once, synchronously, when response headers
	// finish parsing.
	HandleHead(head ResponseHead)

	// HandleChunk is called for each inbound body chunk, including the
	// terminal chunk (chunk.IsTerminal()). Ownership of chunk transfers to
	// the callee.
	HandleChunk(chunk *ByteChunk)

	// HandleError is called at most once, instead of any further
	// HandleChunk call, when the transport encounters a read or protocol
	// error.
	HandleError(err error)
}

// StageResponseHandler is the well-known name of the response handler
// stage, used in log fields.
const StageResponseHandler = "httpflow.response-handler"

// StageDecompress is the well-known name of the optional decompression
// stage, installed upstream of the response handler; used in log fields.
const StageDecompress = "httpflow.decompress"
