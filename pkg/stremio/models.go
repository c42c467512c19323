package stremio

// StreamResponse is the body of /stream/:type/:id.json.
type StreamResponse struct {
	Streams []Stream `json:"streams"`
}

// Stream is one playable entry in the stream list.
type Stream struct {
	URL         string `json:"url,omitempty"`
	Name        string `json:"name,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	BehaviorHints *BehaviorHints `json:"behaviorHints,omitempty"`
}

// BehaviorHints carries playback metadata clients use for grouping and
// player selection.
type BehaviorHints struct {
	NotWebReady bool   `json:"notWebReady,omitempty"`
	BingeGroup  string `json:"bingeGroup,omitempty"`
	VideoSize   int64  `json:"videoSize,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

type errorDetails struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	IndexerManager string `json:"indexerManager"`
	Timestamp      string `json:"timestamp"`
}

type errorResponse struct {
	Error   string       `json:"error"`
	Details errorDetails `json:"details"`
}
