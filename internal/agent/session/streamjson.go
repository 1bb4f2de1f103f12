package session

// Stream-json NDJSON lines exchanged with the assistant CLI child. The
// worker reads only the fields needed for lifecycle and usage accounting;
// unknown fields are ignored.

const (
	lineTypeSystem    = "system"
	lineTypeAssistant = "assistant"
	lineTypeResult    = "result"

	lineSubtypeInit = "init"
)

// streamLine is the subset of an output line the worker inspects.
type streamLine struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	SessionID    string  `json:"session_id"`
	Model        string  `json:"model"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// userInput is the structure written to the child's stdin for each turn.
type userInput struct {
	Type    string           `json:"type"`
	Message userInputContent `json:"message"`
}

type userInputContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
