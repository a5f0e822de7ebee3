package mlscore

import "fmt"

// ExternalModel adapts a configured inference runtime endpoint into a
// Model. The runtime itself is an external collaborator; Predict is left
// to the caller to supply, so this repo's own code never embeds a
// concrete ML framework.
type ExternalModel struct {
	name    string
	version string
	predict func(triplet [][][]float64) (float64, error)
}

func NewExternalModel(name, version string, predict func(triplet [][][]float64) (float64, error)) *ExternalModel {
	return &ExternalModel{name: name, version: version, predict: predict}
}

func (m *ExternalModel) Name() string    { return m.name }
func (m *ExternalModel) Version() string { return m.version }

func (m *ExternalModel) Predict(triplet [][][]float64) (float64, error) {
	if m.predict == nil {
		return 0, fmt.Errorf("model %s: no inference runtime configured", m.name)
	}
	return m.predict(triplet)
}
