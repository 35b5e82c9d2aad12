package domain

// Question is one generated test item with its media asset file names.
type Question struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Audio   string `json:"audio,omitempty"`
	Image   string `json:"image,omitempty"`
}

// TestDocument is the persisted output of a pipeline run for one test part.
// It is rewritten after every question so an interrupted run can resume.
type TestDocument struct {
	TestID       string     `json:"test_id"`
	PartNumber   int        `json:"part_number"`
	Title        string     `json:"title"`
	Instructions string     `json:"instructions"`
	Questions    []Question `json:"questions"`
}
