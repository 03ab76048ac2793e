package pipeline

import (
	"github.com/grailbio/seqflow/sample"
)

// Artifact classes tracked by the completion tally. A class names the set
// of files one stage produces for one sample; consumers of the class signal
// the tally, and the class's callback fires when the last one finishes.
const (
	// ClassSRA is the downloaded run archives of a remote sample, one
	// consumer per run (its extraction).
	ClassSRA = "sra"
	// ClassParts is the per-run extracted FASTQ parts, consumed once by
	// the merge.
	ClassParts = "parts"
	// ClassReads is the merged per-sample FASTQ, consumed by FastQC and by
	// the branch aligner or quantifier.
	ClassReads = "reads"
	// ClassSAM is the hisat2 alignment output, consumed once by the sort.
	ClassSAM = "sam"
	// ClassSortedBAM is the coordinate-sorted alignment, consumed by
	// featureCounts and by flagstat.
	ClassSortedBAM = "sortedbam"
	// ClassReady is the rendezvous of the metadata and raw-data
	// preparations; it guards no files.
	ClassReady = "ready"
	// ClassSample is the whole-sample terminal signal that releases the
	// admission slot.
	ClassSample = "sample"
)

// expectations returns, per artifact class, the number of completion
// signals one sample must collect before the class's callback fires. The
// counts derive from the sample's origin and the active branch: remote
// samples add the download and extraction artifacts, the hisat2 branch
// adds the alignment artifacts.
func expectations(tool Tool, desc sample.Descriptor) map[string]int {
	exp := map[string]int{
		ClassReady:  2,
		ClassReads:  2,
		ClassSample: 1,
	}
	if desc.Origin == sample.Remote {
		exp[ClassSRA] = len(desc.Runs())
		exp[ClassParts] = 1
	}
	if tool == Hisat2 {
		exp[ClassSAM] = 1
		exp[ClassSortedBAM] = 2
	}
	return exp
}
