// pkg/core/parameters.go
package core

// ControlParameters drives avatar animation. Every field is always present;
// an absent signal is 0.
type ControlParameters struct {
	HeadX        float64 `json:"headX"`
	HeadY        float64 `json:"headY"`
	EyeX         float64 `json:"eyeX"`
	EyeY         float64 `json:"eyeY"`
	Mouth        float64 `json:"mouth"`
	EyebrowLeft  float64 `json:"eyebrowLeft"`
	EyebrowRight float64 `json:"eyebrowRight"`
}

// ModelDescriptor identifies an avatar model known to the backend.
type ModelDescriptor struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// ModelNames returns the names of models in list order.
func ModelNames(models []ModelDescriptor) []string {
	names := make([]string, len(models))
	for i, m := range models {
		names[i] = m.Name
	}
	return names
}
