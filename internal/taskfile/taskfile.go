// Package taskfile builds the task.json descriptors the stager (internal/stager)
// writes into every staging folder (spec.md §4.D step 4). Each generator
// corresponds to one of the three staging kinds the source's
// generate_taskfile module produces: routing, processing, and study.
package taskfile

import (
	"encoding/json"

	"mercutio-route/pkg/types"
)

// Route builds the descriptor for an outgoing/<uuid> staging folder
// produced by series-level routing (spec.md §4.E.iii).
func Route(seriesUID, target, ruleName string, doc types.TagDocument) types.StagingDescriptor {
	return types.StagingDescriptor{
		Kind:        types.StagingRoute,
		SeriesUID:   seriesUID,
		StudyUID:    doc.StudyInstanceUID(),
		TriggeredBy: []string{ruleName},
		Target:      target,
		Tags:        doc,
	}
}

// Processing builds the descriptor for a processing/<uuid> staging folder
// produced by series-level processing (spec.md §4.E.iv).
func Processing(seriesUID, ruleName string, doc types.TagDocument) types.StagingDescriptor {
	return types.StagingDescriptor{
		Kind:        types.StagingProcess,
		SeriesUID:   seriesUID,
		StudyUID:    doc.StudyInstanceUID(),
		TriggeredBy: []string{ruleName},
		Tags:        doc,
	}
}

// Study builds the descriptor for a studies/<studyUID>#<rule> staging folder.
// It is only written once, when the folder is first created (spec.md
// §4.E.ii) — later series landing in the same folder never overwrite it.
func Study(studyUID, ruleName string, doc types.TagDocument) types.StagingDescriptor {
	return types.StagingDescriptor{
		Kind:        types.StagingStudy,
		StudyUID:    studyUID,
		TriggeredBy: []string{ruleName},
		Tags:        doc,
	}
}

// Discard builds the descriptor for a discard/<uuid> staging folder
// (spec.md §4.E.i). reason is the discarding rule's name, or empty when the
// discard was implicit (the triggered set was empty).
func Discard(seriesUID, reason string, doc types.TagDocument) types.StagingDescriptor {
	return types.StagingDescriptor{
		Kind:          types.StagingDiscard,
		SeriesUID:     seriesUID,
		StudyUID:      doc.StudyInstanceUID(),
		DiscardReason: reason,
		Tags:          doc,
	}
}

// Marshal renders a descriptor as the task.json bytes the stager writes.
// Indented output matches the teacher's other on-disk JSON artifacts and
// keeps task.json diffable by a human debugging a stuck staging folder.
func Marshal(d types.StagingDescriptor) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
