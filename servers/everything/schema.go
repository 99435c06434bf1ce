package everything

// EchoArgs is the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message"`
}

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration"`
	Steps    int     `json:"steps"`
}

// FlakyArgs is the arguments for the flaky tool.
type FlakyArgs struct {
	Key      string `json:"key"`
	Failures int    `json:"failures"`
}

// SampleLLMArgs is the arguments for the sampleLLM tool.
type SampleLLMArgs struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"maxTokens"`
}

// longRunningCheckpoint is stored as the task continuation after every step.
type longRunningCheckpoint struct {
	CompletedSteps int `json:"completedSteps"`
}

type samplingMessage struct {
	Role    string          `json:"role"`
	Content samplingContent `json:"content"`
}

type samplingContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type samplingParams struct {
	Messages     []samplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens"`
}

type samplingResult struct {
	Role    string          `json:"role"`
	Content samplingContent `json:"content"`
	Model   string          `json:"model"`
}

var echoSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "message": { "type": "string" }
    },
    "required": ["message"]
  }
`)

var addSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "a": { "type": "number" },
      "b": { "type": "number" }
    },
    "required": ["a", "b"]
  }
`)

var longRunningOperationSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "duration": { "type": "number", "minimum": 0, "default": 10 },
      "steps": { "type": "integer", "minimum": 1, "default": 5 }
    }
  }
`)

var flakySchema = []byte(`
  {
    "type": "object",
    "properties": {
      "key": { "type": "string" },
      "failures": { "type": "integer", "minimum": 0 }
    },
    "required": ["key", "failures"]
  }
`)

var sampleLLMSchema = []byte(`
  {
    "type": "object",
    "properties": {
      "prompt": { "type": "string" },
      "maxTokens": { "type": "integer", "default": 100 }
    },
    "required": ["prompt"]
  }
`)
