// Package pipeline drives RNA-seq samples through a branching set of
// external tools while bounding how many samples are in flight and
// reclaiming the disk held by large intermediates as soon as their last
// consumer finishes.
//
// Queue model:
//
// Samples are enumerated from a local samplesheet and/or a remote run list
// and persisted as work items in a filesystem queue (package runqueue).
// Admission is bounded: at most queue_size samples hold a slot at once. A
// cold start seeds the first batch; afterwards each completion retires its
// item under the queue lock and admits the lexicographically next staged
// item. A watcher observes the admitted directory and feeds each admitted
// sample into the pipeline exactly once. Because the queue is plain files
// moved by rename, an interrupted run resumes: leftover admitted items are
// requeued, finished items stay finished, and a run whose staging is
// already empty jumps straight to post-processing.
//
// Branches:
//
// Exactly one quantification tool is enabled per run. Every sample flows
// download/extract/merge (remote origin) or straight to merge (local
// origin), then FastQC and the tool branch run against the merged reads.
// The hisat2 branch aligns, sorts, and feeds featureCounts and flagstat;
// the kallisto and salmon branches quantify directly. Local and remote
// samples converge at a two-way rendezvous per sample: metadata and raw
// reads must both be ready, in either order, before the branch proceeds.
//
// Artifact accounting:
//
// Each large intermediate (downloaded archives, extracted parts, merged
// reads, SAM, sorted BAM) has a statically known number of consumers that
// depends on the sample's origin and the active branch. The tally package
// counts consumer completions per (sample, class) key and fires once at
// the expected count, at which point the reclaim package hollows the files
// out: size and timestamps survive, so size/mtime-keyed result caches
// still see the artifacts, but their blocks are returned to the
// filesystem. Classes marked published are kept intact instead.
//
// The per-sample computational stages themselves are opaque commands run
// by an engine.Engine; the pipeline only shapes their argv, orders them,
// and reacts to their completions.
package pipeline
