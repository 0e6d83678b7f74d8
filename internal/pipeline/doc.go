// Package pipeline defines the contracts of the page-publishing pipeline:
// the page/domain records, the asset tri-state, the stage interfaces wired
// together by the orchestrator, and the shared retry and URL helpers.
package pipeline
