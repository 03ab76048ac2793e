package pipeline

// Tool is the quantification branch a run is configured for. A run enables
// exactly one tool; every admitted sample flows down that tool's branch.
type Tool int

const (
	toolInvalid Tool = iota
	// Hisat2 aligns, sorts, and counts features per gene.
	Hisat2
	// Kallisto pseudo-aligns against a transcriptome index.
	Kallisto
	// Salmon quantifies with selective alignment.
	Salmon
)

var toolNames = [...]string{"invalid", "hisat2", "kallisto", "salmon"}

func (t Tool) String() string {
	if t <= toolInvalid || int(t) >= len(toolNames) {
		return "invalid"
	}
	return toolNames[t]
}
