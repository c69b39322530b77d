package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/s1366560/agentline/engine"
	"github.com/s1366560/agentline/timeline"
)

// renderSnapshot writes a plain-text view of the reduced timeline.
func renderSnapshot(w io.Writer, snap *engine.Snapshot) {
	fmt.Fprintf(w, "conversation %s (version %d, mode %s)\n",
		snap.ConversationID, snap.Version, snap.Mode)
	for i := range snap.Timeline {
		renderEntry(w, &snap.Timeline[i])
	}

	if plan := snap.ExecutionPlan; plan != nil {
		fmt.Fprintf(w, "\nexecution plan %s: %s (%.0f%%)\n",
			plan.ID, plan.Status, plan.ProgressPercentage*100)
		for _, step := range plan.Steps {
			fmt.Fprintf(w, "  [%s] %s %s\n", step.Status, step.StepID, step.ToolName)
		}
	}
	for _, req := range snap.HITLRequests {
		fmt.Fprintf(w, "\nawaiting input: %s (%s)\n", req.Question, req.Kind)
	}
}

func renderEntry(w io.Writer, e *timeline.Entry) {
	ts := time.UnixMilli(e.Timestamp).UTC().Format("15:04:05")
	switch e.Kind {
	case timeline.EntryMessage:
		fmt.Fprintf(w, "%s %-9s %s\n", ts, e.Role, firstLine(e.Content))
	case timeline.EntryThought:
		fmt.Fprintf(w, "%s thought   %s\n", ts, firstLine(e.Content))
	case timeline.EntryTool:
		status := string(e.Status)
		if e.DurationMS > 0 {
			status = fmt.Sprintf("%s %dms", status, e.DurationMS)
		}
		fmt.Fprintf(w, "%s tool      %s [%s]\n", ts, e.Tool, status)
	case timeline.EntryHITL:
		fmt.Fprintf(w, "%s input     %s [%s] %s\n", ts, firstLine(e.Content), e.Status, e.Output)
	case timeline.EntrySandbox:
		fmt.Fprintf(w, "%s sandbox   %s\n", ts, e.Content)
	case timeline.EntryGap:
		fmt.Fprintf(w, "%s --- %s ---\n", ts, e.Content)
	default:
		fmt.Fprintf(w, "%s system    %s\n", ts, firstLine(e.Content))
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx] + " ..."
	}
	return s
}
