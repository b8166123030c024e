package pipeline

// StepInfo describes how a step is presented.
type StepInfo struct {
	Key   StepKey `yaml:"key" json:"key"`
	Label string  `yaml:"label" json:"label"`
	Icon  string  `yaml:"icon" json:"icon"`
}

// Catalogue is the fixed, ordered list of pipeline steps. Its order defines
// the canonical progress ordering.
type Catalogue []StepInfo

// DefaultCatalogue returns the stages run by the ad generation backend.
func DefaultCatalogue() Catalogue {
	return Catalogue{
		{Key: StepSelectImage, Label: "Product image", Icon: "🖼️"},
		{Key: StepRemoveBackground, Label: "Background removal", Icon: "✂️"},
		{Key: StepVirtualFitting, Label: "Virtual model fitting", Icon: "👗"},
		{Key: StepGenerateBackground, Label: "Background generation", Icon: "🎨"},
		{Key: StepGenerateCaption, Label: "Ad caption", Icon: "✍️"},
		{Key: StepGenerateHTML, Label: "HTML ad page", Icon: "📄"},
		{Key: StepSaveImage, Label: "Image persistence", Icon: "💾"},
	}
}

// Index returns the zero-based position of key, or -1 if it is unknown.
func (c Catalogue) Index(key StepKey) int {
	for i, s := range c {
		if s.Key == key {
			return i
		}
	}
	return -1
}

// Contains reports whether key is part of the catalogue.
func (c Catalogue) Contains(key StepKey) bool {
	return c.Index(key) >= 0
}

// KeyAt resolves a 1-based step number as used by the backend.
func (c Catalogue) KeyAt(stepNumber int) (StepKey, bool) {
	if stepNumber < 1 || stepNumber > len(c) {
		return "", false
	}
	return c[stepNumber-1].Key, true
}

// Merge overlays labels and icons from overrides onto c. Keys that are not
// part of c are ignored so the step order cannot be changed by configuration.
func (c Catalogue) Merge(overrides []StepInfo) Catalogue {
	out := make(Catalogue, len(c))
	copy(out, c)
	for _, o := range overrides {
		i := out.Index(o.Key)
		if i < 0 {
			continue
		}
		if o.Label != "" {
			out[i].Label = o.Label
		}
		if o.Icon != "" {
			out[i].Icon = o.Icon
		}
	}
	return out
}
