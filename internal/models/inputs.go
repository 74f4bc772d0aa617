package models

// TaskCategory selects the shape of a task's inputs.
type TaskCategory string

const (
	CategoryResearch   TaskCategory = "research"
	CategoryExtraction TaskCategory = "extraction"
	CategorySynthesis  TaskCategory = "synthesis"
)

// TaskInputs is a closed sum over per-category input shapes. Each category
// carries an explicit struct instead of an open map so inputs stay typed
// end to end.
type TaskInputs interface {
	Category() TaskCategory
}

// ResearchInputs drive a literature/search task.
type ResearchInputs struct {
	Query      string   `json:"query"`
	MaxSources int      `json:"max_sources,omitempty"`
	Domains    []string `json:"domains,omitempty"`
}

func (ResearchInputs) Category() TaskCategory { return CategoryResearch }

// ExtractionInputs drive a structured-extraction task over known sources.
type ExtractionInputs struct {
	SourceIDs []string `json:"source_ids"`
	Fields    []string `json:"fields"`
}

func (ExtractionInputs) Category() TaskCategory { return CategoryExtraction }

// SynthesisInputs drive an answer-synthesis task over prior subtask output.
type SynthesisInputs struct {
	Question   string   `json:"question"`
	SubAnswers []string `json:"sub_answers,omitempty"`
}

func (SynthesisInputs) Category() TaskCategory { return CategorySynthesis }
